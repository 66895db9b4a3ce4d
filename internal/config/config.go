package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
)

// Well-known token mints.
const (
	WrappedSOLMint  = "So11111111111111111111111111111111111111112"
	USDCMainnetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMainnetMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	USDCDevnetMint  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Operational defaults.
const (
	DefaultPaymentExpiry     = 15 * time.Minute
	DefaultPollInterval      = 2 * time.Second
	DefaultPollMaxInterval   = 30 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultMinSponsorBalance = 100_000 // lamports
	DefaultComputeUnitLimit  = 200_000
	DefaultComputeUnitPrice  = 10_000 // microlamports

	// NetworkFeeEstimate is the typical per-transaction fee the sponsor pays.
	NetworkFeeEstimate = 5_000 // lamports

	// CanProcessFloor is the minimum sponsor balance needed for one more
	// sponsored transaction.
	CanProcessFloor = 10_000 // lamports
)

// NetworkConfig describes one allow-listed settlement network.
type NetworkConfig struct {
	Name        string
	RPCURL      string
	ExplorerURL string
	// Tokens maps allow-listed symbols to their typed definition on this
	// network.
	Tokens map[string]models.Token
}

// Tier is a token-gated membership level. Token is a symbol resolved
// against the gate network's token table at check time.
type Tier struct {
	Name      string   `json:"name"`
	Token     string   `json:"token"`
	MinAmount uint64   `json:"minAmount"`
	Benefits  []string `json:"benefits"`
}

// Config is the service configuration, loaded once at startup from the
// environment.
type Config struct {
	Port     string
	MongoURI string
	MongoDB  string

	FacilitatorPrivateKey string

	DefaultNetwork string
	Networks       map[string]NetworkConfig
	// ExtraSPLTokens are explicitly allow-listed mints accepted through the
	// generic SPL token variant, valid on any configured network.
	ExtraSPLTokens []models.Token

	PaymentExpiry     time.Duration
	PollInterval      time.Duration
	PollMaxInterval   time.Duration
	SweepInterval     time.Duration
	MinSponsorBalance uint64

	ComputeUnitLimit uint32
	ComputeUnitPrice uint64

	Tiers []Tier
}

// Load reads the configuration from the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  getenv("PORT", "8080"),
		MongoURI:              os.Getenv("MONGOURI"),
		MongoDB:               getenv("MONGO_DB", "facilitator"),
		FacilitatorPrivateKey: os.Getenv("FACILITATOR_PRIVATE_KEY"),
		DefaultNetwork:        getenv("DEFAULT_NETWORK", "solana"),
	}

	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("MONGOURI environment variable not set")
	}
	if cfg.FacilitatorPrivateKey == "" {
		return nil, fmt.Errorf("FACILITATOR_PRIVATE_KEY environment variable not set")
	}

	var err error
	if cfg.PaymentExpiry, err = getenvDuration("PAYMENT_EXPIRY", DefaultPaymentExpiry); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getenvDuration("POLL_INTERVAL", DefaultPollInterval); err != nil {
		return nil, err
	}
	if cfg.PollMaxInterval, err = getenvDuration("POLL_MAX_INTERVAL", DefaultPollMaxInterval); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getenvDuration("SWEEP_INTERVAL", DefaultSweepInterval); err != nil {
		return nil, err
	}
	if cfg.MinSponsorBalance, err = getenvUint64("FACILITATOR_MIN_BALANCE", DefaultMinSponsorBalance); err != nil {
		return nil, err
	}
	if cfg.ComputeUnitPrice, err = getenvUint64("COMPUTE_UNIT_PRICE", DefaultComputeUnitPrice); err != nil {
		return nil, err
	}
	limit, err := getenvUint64("COMPUTE_UNIT_LIMIT", DefaultComputeUnitLimit)
	if err != nil {
		return nil, err
	}
	if limit > uint64(^uint32(0)) {
		return nil, fmt.Errorf("COMPUTE_UNIT_LIMIT out of range: %d", limit)
	}
	cfg.ComputeUnitLimit = uint32(limit)

	if cfg.PollInterval <= 0 || cfg.PollMaxInterval < cfg.PollInterval {
		return nil, fmt.Errorf("invalid polling intervals: base %s, max %s", cfg.PollInterval, cfg.PollMaxInterval)
	}
	if cfg.PaymentExpiry <= 0 {
		return nil, fmt.Errorf("PAYMENT_EXPIRY must be positive")
	}

	networks := getenvList("NETWORKS", []string{"solana", "solana-devnet"})
	tokens := getenvList("TOKENS", []string{"SOL", "USDC", "USDT"})
	cfg.Networks, err = buildNetworks(networks, tokens)
	if err != nil {
		return nil, err
	}
	if _, ok := cfg.Networks[cfg.DefaultNetwork]; !ok {
		return nil, fmt.Errorf("DEFAULT_NETWORK %q is not in the NETWORKS allow-list", cfg.DefaultNetwork)
	}

	cfg.ExtraSPLTokens, err = parseExtraSPLTokens(os.Getenv("SPL_MINT_ALLOWLIST"))
	if err != nil {
		return nil, err
	}

	cfg.Tiers = defaultTiers()
	return cfg, nil
}

// Network returns the configuration for an allow-listed network.
func (c *Config) Network(name string) (NetworkConfig, bool) {
	nc, ok := c.Networks[name]
	return nc, ok
}

// MintToken returns the typed token for an allow-listed extra SPL mint.
func (c *Config) MintToken(mint string) (models.Token, bool) {
	for _, t := range c.ExtraSPLTokens {
		if t.Mint == mint {
			return t, true
		}
	}
	return models.Token{}, false
}

// buildNetworks assembles the per-network token tables, keeping only the
// allow-listed networks and token symbols.
func buildNetworks(networks, tokens []string) (map[string]NetworkConfig, error) {
	all := map[string]NetworkConfig{
		"solana": {
			Name:        "solana",
			RPCURL:      getenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
			ExplorerURL: "https://solscan.io",
			Tokens: map[string]models.Token{
				"SOL":  {Kind: models.TokenNative, Symbol: "SOL", Mint: WrappedSOLMint, Decimals: 9},
				"USDC": {Kind: models.TokenSPL, Symbol: "USDC", Mint: USDCMainnetMint, Decimals: 6},
				"USDT": {Kind: models.TokenSPL, Symbol: "USDT", Mint: USDTMainnetMint, Decimals: 6},
			},
		},
		"solana-devnet": {
			Name:        "solana-devnet",
			RPCURL:      getenv("SOLANA_DEVNET_RPC_URL", "https://api.devnet.solana.com"),
			ExplorerURL: "https://solscan.io",
			Tokens: map[string]models.Token{
				"SOL":  {Kind: models.TokenNative, Symbol: "SOL", Mint: WrappedSOLMint, Decimals: 9},
				"USDC": {Kind: models.TokenSPL, Symbol: "USDC", Mint: USDCDevnetMint, Decimals: 6},
			},
		},
	}

	out := make(map[string]NetworkConfig, len(networks))
	for _, name := range networks {
		nc, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("unknown network %q in NETWORKS", name)
		}
		filtered := make(map[string]models.Token)
		for _, sym := range tokens {
			if t, ok := nc.Tokens[sym]; ok {
				filtered[sym] = t
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("network %q has no tokens left after applying TOKENS", name)
		}
		nc.Tokens = filtered
		out[name] = nc
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("NETWORKS allow-list is empty")
	}
	return out, nil
}

// parseExtraSPLTokens parses SPL_MINT_ALLOWLIST entries of the form
// "mint:decimals" or "mint:decimals:symbol".
func parseExtraSPLTokens(raw string) ([]models.Token, error) {
	if raw == "" {
		return nil, nil
	}
	var out []models.Token
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid SPL_MINT_ALLOWLIST entry %q", entry)
		}
		decimals, err := strconv.ParseUint(parts[1], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid decimals in SPL_MINT_ALLOWLIST entry %q: %v", entry, err)
		}
		symbol := "SPL"
		if len(parts) == 3 && parts[2] != "" {
			symbol = parts[2]
		}
		out = append(out, models.Token{
			Kind:     models.TokenSPL,
			Symbol:   symbol,
			Mint:     parts[0],
			Decimals: uint8(decimals),
		})
	}
	return out, nil
}

func defaultTiers() []Tier {
	return []Tier{
		{
			Name:      "Bronze",
			Token:     "USDC",
			MinAmount: 100_000000, // 100 USDC
			Benefits:  []string{"Basic API access", "Standard support"},
		},
		{
			Name:      "Silver",
			Token:     "USDC",
			MinAmount: 1000_000000, // 1,000 USDC
			Benefits:  []string{"Enhanced API access", "Priority support", "10% fee discount"},
		},
		{
			Name:      "Gold",
			Token:     "USDC",
			MinAmount: 10000_000000, // 10,000 USDC
			Benefits:  []string{"Unlimited API access", "24/7 support", "25% fee discount", "Custom features"},
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return d, nil
}

func getenvUint64(key string, def uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}
