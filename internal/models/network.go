package models

// NativeCurrency describes a network's native asset for discovery responses.
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// NetworkInfo is the discovery view of one supported network.
type NetworkInfo struct {
	Network        string         `json:"network"`
	ChainID        *string        `json:"chainId"`
	RPCURL         string         `json:"rpcUrl"`
	ExplorerURL    string         `json:"explorerUrl"`
	NativeCurrency NativeCurrency `json:"nativeCurrency"`
	Supported      bool           `json:"supported"`
}

// SupportedNetworksResponse is the body of GET /networks.
type SupportedNetworksResponse struct {
	Networks []NetworkInfo `json:"networks"`
}

// SupportedKind names one (version, scheme, network) combination the
// facilitator settles, in x402 discovery form.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedKindsResponse is the body of GET /supported.
type SupportedKindsResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
