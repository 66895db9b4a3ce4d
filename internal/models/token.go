package models

// TokenKind tags the two settlement asset variants: the chain's native
// asset, and SPL tokens identified by their mint.
type TokenKind string

const (
	TokenNative TokenKind = "native"
	TokenSPL    TokenKind = "spl"
)

// Token identifies a settlement asset. The supported set is closed and
// configured explicitly; arbitrary SPL mints are only accepted when they
// appear on the configured mint allow-list.
type Token struct {
	Kind     TokenKind `bson:"kind" json:"kind"`
	Symbol   string    `bson:"symbol" json:"symbol"`
	Mint     string    `bson:"mint,omitempty" json:"mint,omitempty"`
	Decimals uint8     `bson:"decimals" json:"decimals"`
}

// IsNative reports whether the token is the chain's native asset.
func (t Token) IsNative() bool {
	return t.Kind == TokenNative
}
