package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/config"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/ledger"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/services"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/signer"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/store"
)

var testBlockhash = solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

// stubGateway is a scriptable ledger.Gateway; the zero value behaves as a
// healthy node with an amply funded sponsor.
type stubGateway struct {
	submits atomic.Int32

	submitFn       func(ctx context.Context, signedTx string) (string, error)
	statusFn       func(ctx context.Context, handle string, expect ledger.TransferExpectation) (ledger.TxStatus, error)
	balanceFn      func(ctx context.Context, account string) (uint64, error)
	tokenBalanceFn func(ctx context.Context, owner, mint string) (uint64, error)
}

func (f *stubGateway) Submit(ctx context.Context, signedTx string) (string, error) {
	n := f.submits.Add(1)
	if f.submitFn != nil {
		return f.submitFn(ctx, signedTx)
	}
	return fmt.Sprintf("handle-%d", n), nil
}

func (f *stubGateway) GetStatus(ctx context.Context, handle string, expect ledger.TransferExpectation) (ledger.TxStatus, error) {
	if f.statusFn != nil {
		return f.statusFn(ctx, handle, expect)
	}
	return ledger.TxStatus{State: ledger.TxPending}, nil
}

func (f *stubGateway) GetBalance(ctx context.Context, account string) (uint64, error) {
	if f.balanceFn != nil {
		return f.balanceFn(ctx, account)
	}
	return solana.LAMPORTS_PER_SOL, nil
}

func (f *stubGateway) GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	if f.tokenBalanceFn != nil {
		return f.tokenBalanceFn(ctx, owner, mint)
	}
	return 0, nil
}

func (f *stubGateway) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return testBlockhash, nil
}

func apiConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		DefaultNetwork: "solana-devnet",
		Networks: map[string]config.NetworkConfig{
			"solana-devnet": {
				Name:        "solana-devnet",
				RPCURL:      "https://api.devnet.solana.com",
				ExplorerURL: "https://solscan.io",
				Tokens: map[string]models.Token{
					"SOL":  {Kind: models.TokenNative, Symbol: "SOL", Mint: config.WrappedSOLMint, Decimals: 9},
					"USDC": {Kind: models.TokenSPL, Symbol: "USDC", Mint: config.USDCDevnetMint, Decimals: 6},
				},
			},
		},
		PaymentExpiry:     time.Minute,
		PollInterval:      time.Millisecond,
		PollMaxInterval:   2 * time.Millisecond,
		SweepInterval:     time.Hour,
		MinSponsorBalance: config.DefaultMinSponsorBalance,
		ComputeUnitLimit:  config.DefaultComputeUnitLimit,
		ComputeUnitPrice:  config.DefaultComputeUnitPrice,
		Tiers: []config.Tier{
			{Name: "Bronze", Token: "USDC", MinAmount: 100, Benefits: []string{"Basic API access"}},
			{Name: "Silver", Token: "USDC", MinAmount: 1_000, Benefits: []string{"Priority support"}},
		},
	}
}

type testServer struct {
	cfg    *config.Config
	engine *services.SettlementEngine
	store  *store.MemoryStore
	gw     *stubGateway
	router *mux.Router
	payer  *solana.Wallet
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gw := &stubGateway{}
	st := store.NewMemoryStore()
	facilitator := solana.NewWallet()
	sg, err := signer.NewKeypairSigner(facilitator.PrivateKey.String())
	require.NoError(t, err)

	cfg := apiConfig()
	gws := map[string]ledger.Gateway{"solana-devnet": gw}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := services.NewSettlementEngine(cfg, st, gws, sg, log)
	t.Cleanup(engine.Close)
	gate := services.NewTokenGate(cfg, gws, log)

	return &testServer{
		cfg:    cfg,
		engine: engine,
		store:  st,
		gw:     gw,
		router: NewRouter(cfg, engine, gate, log),
		payer:  solana.NewWallet(),
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

// createPayment drives POST /payments/create and returns the issued payment.
func (ts *testServer) createPayment(t *testing.T) models.Payment {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/payments/create", services.CreateRequest{
		PayerAddress: ts.payer.PublicKey().String(),
		Amount:       1_000_000,
		Token:        "USDC",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var p models.Payment
	decodeInto(t, rec, &p)
	return p
}

// signBlob signs the payment's skeleton with the payer key.
func (ts *testServer) signBlob(t *testing.T, p models.Payment) string {
	t.Helper()
	tx, err := ledger.DecodeTransaction(p.UnsignedTx)
	require.NoError(t, err)
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(ts.payer.PublicKey()) {
			return &ts.payer.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestHealthRoutes(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/", "/health"} {
		rec := ts.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]string
		decodeInto(t, rec, &body)
		require.Equal(t, "ok", body["status"])
	}
}

func TestSupportedRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/supported", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body models.SupportedKindsResponse
	decodeInto(t, rec, &body)
	require.Len(t, body.Kinds, 1)
	require.Equal(t, 1, body.Kinds[0].X402Version)
	require.Equal(t, "exact", body.Kinds[0].Scheme)
	require.Equal(t, "solana-devnet", body.Kinds[0].Network)
}

func TestNetworksRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/networks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body models.SupportedNetworksResponse
	decodeInto(t, rec, &body)
	require.Len(t, body.Networks, 1)
	require.Equal(t, "solana-devnet", body.Networks[0].Network)
	require.Equal(t, "https://api.devnet.solana.com", body.Networks[0].RPCURL)
	require.True(t, body.Networks[0].Supported)
}

func TestWalletStatusRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/wallet/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body services.WalletStatus
	decodeInto(t, rec, &body)
	require.Equal(t, uint64(solana.LAMPORTS_PER_SOL), body.Balance)
	require.False(t, body.IsLow)
	require.True(t, body.CanProcessPayments)
}

func TestWalletStatusUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.balanceFn = func(context.Context, string) (uint64, error) {
		return 0, fmt.Errorf("%w: rpc timeout", ledger.ErrRPCUnavailable)
	}

	rec := ts.do(t, http.MethodGet, "/wallet/status", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "facilitator_payments_created_total")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodOptions, "/payments/create", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
