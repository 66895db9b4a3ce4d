package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MONGOURI", "mongodb://localhost:27017")
	t.Setenv("FACILITATOR_PRIVATE_KEY", "4QfFvYmhnnLGios3hZbPsBZiq6rsGnAp3EKmVQRWnDKGx9XePC2BNCmogcGgTrCqqrNRS3WRCSBYBDG8Z8RqaW9J")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "facilitator", cfg.MongoDB)
	require.Equal(t, "solana", cfg.DefaultNetwork)
	require.Equal(t, DefaultPaymentExpiry, cfg.PaymentExpiry)
	require.Equal(t, DefaultPollInterval, cfg.PollInterval)
	require.Equal(t, uint64(DefaultMinSponsorBalance), cfg.MinSponsorBalance)

	require.Len(t, cfg.Networks, 2)
	mainnet, ok := cfg.Network("solana")
	require.True(t, ok)
	require.Equal(t, "https://api.mainnet-beta.solana.com", mainnet.RPCURL)
	require.Len(t, mainnet.Tokens, 3)
	require.Equal(t, models.TokenNative, mainnet.Tokens["SOL"].Kind)
	require.Equal(t, USDCMainnetMint, mainnet.Tokens["USDC"].Mint)

	devnet, ok := cfg.Network("solana-devnet")
	require.True(t, ok)
	require.Len(t, devnet.Tokens, 2, "devnet has no USDT")
	require.Equal(t, USDCDevnetMint, devnet.Tokens["USDC"].Mint)

	require.Len(t, cfg.Tiers, 3)
	require.Equal(t, "Bronze", cfg.Tiers[0].Name)
	require.Equal(t, uint64(100_000000), cfg.Tiers[0].MinAmount)
}

func TestLoadRequiresMongoURI(t *testing.T) {
	t.Setenv("MONGOURI", "")
	t.Setenv("FACILITATOR_PRIVATE_KEY", "key")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "MONGOURI")
}

func TestLoadRequiresFacilitatorKey(t *testing.T) {
	t.Setenv("MONGOURI", "mongodb://localhost:27017")
	t.Setenv("FACILITATOR_PRIVATE_KEY", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "FACILITATOR_PRIVATE_KEY")
}

func TestLoadAppliesAllowLists(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NETWORKS", "solana-devnet")
	t.Setenv("TOKENS", "SOL,USDC")
	t.Setenv("DEFAULT_NETWORK", "solana-devnet")

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Networks, 1)
	_, ok := cfg.Network("solana")
	require.False(t, ok)

	devnet, ok := cfg.Network("solana-devnet")
	require.True(t, ok)
	require.Len(t, devnet.Tokens, 2)
}

func TestLoadRejectsUnknownNetwork(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NETWORKS", "solana,ethereum")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ethereum")
}

func TestLoadRejectsDefaultNetworkOutsideAllowList(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NETWORKS", "solana-devnet")
	t.Setenv("DEFAULT_NETWORK", "solana")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadParsesDurationsAndThresholds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYMENT_EXPIRY", "5m")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("POLL_MAX_INTERVAL", "10s")
	t.Setenv("FACILITATOR_MIN_BALANCE", "250000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.PaymentExpiry)
	require.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	require.Equal(t, 10*time.Second, cfg.PollMaxInterval)
	require.Equal(t, uint64(250000), cfg.MinSponsorBalance)
}

func TestLoadRejectsInvertedPollIntervals(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("POLL_MAX_INTERVAL", "2s")

	_, err := Load()
	require.Error(t, err)
}

func TestParseExtraSPLTokens(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SPL_MINT_ALLOWLIST", "BonkMint1111111111111111111111111111111111:5:BONK, OtherMint111111111111111111111111111111111:9")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.ExtraSPLTokens, 2)

	bonk, ok := cfg.MintToken("BonkMint1111111111111111111111111111111111")
	require.True(t, ok)
	require.Equal(t, "BONK", bonk.Symbol)
	require.Equal(t, uint8(5), bonk.Decimals)
	require.Equal(t, models.TokenSPL, bonk.Kind)

	other, ok := cfg.MintToken("OtherMint111111111111111111111111111111111")
	require.True(t, ok)
	require.Equal(t, "SPL", other.Symbol)

	_, ok = cfg.MintToken("UnknownMint11111111111111111111111111111111")
	require.False(t, ok)
}

func TestParseExtraSPLTokensRejectsMalformed(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SPL_MINT_ALLOWLIST", "justamint")

	_, err := Load()
	require.Error(t, err)
}
