package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/services"
)

func TestCheckAccessRoute(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.tokenBalanceFn = func(context.Context, string, string) (uint64, error) {
		return 5_000, nil
	}

	rec := ts.do(t, http.MethodPost, "/token-gate/check-access", services.AccessRequest{
		WalletAddress: ts.payer.PublicKey().String(),
		Token:         "USDC",
		MinAmount:     1_000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body services.AccessResult
	decodeInto(t, rec, &body)
	require.True(t, body.Allowed)
	require.Equal(t, uint64(5_000), body.CurrentAmount)
}

func TestCheckAccessRouteUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.tokenBalanceFn = func(context.Context, string, string) (uint64, error) {
		return 0, errors.New("rpc timeout")
	}

	rec := ts.do(t, http.MethodPost, "/token-gate/check-access", services.AccessRequest{
		WalletAddress: ts.payer.PublicKey().String(),
		Token:         "USDC",
		MinAmount:     1_000,
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The degraded body still carries an explicit denial.
	var body services.AccessResult
	decodeInto(t, rec, &body)
	require.False(t, body.Allowed)
}

func TestCheckAccessRouteValidation(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/token-gate/check-access", services.AccessRequest{
		WalletAddress: "nonsense",
		Token:         "USDC",
		MinAmount:     1_000,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorResponse
	decodeInto(t, rec, &body)
	require.Equal(t, services.CodeInvalidAddress, body.Error.Code)
}

func TestTiersRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/token-gate/tiers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tiers []struct {
			Name      string `json:"name"`
			MinAmount uint64 `json:"minAmount"`
		} `json:"tiers"`
	}
	decodeInto(t, rec, &body)
	require.Len(t, body.Tiers, 2)
	require.Equal(t, "Bronze", body.Tiers[0].Name)
}

func TestAcceptedTokensRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/token-gate/accepted-tokens", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tokens []services.AcceptedToken `json:"tokens"`
	}
	decodeInto(t, rec, &body)
	require.Len(t, body.Tokens, 2)
	require.Equal(t, "SOL", body.Tokens[0].Token.Symbol)
	require.Equal(t, "USDC", body.Tokens[1].Token.Symbol)
}

func TestUserTierRoute(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.tokenBalanceFn = func(context.Context, string, string) (uint64, error) {
		return 1_500, nil
	}
	wallet := ts.payer.PublicKey().String()

	rec := ts.do(t, http.MethodGet, "/token-gate/tier/"+wallet, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body services.TierStatus
	decodeInto(t, rec, &body)
	require.Equal(t, wallet, body.Wallet)
	require.Equal(t, "Silver", body.Tier)
	require.Equal(t, uint64(1_500), body.Balance)
}

func TestUserTierRouteBadWallet(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/token-gate/tier/nonsense", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
