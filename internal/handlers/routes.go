package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/config"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/services"
)

// NewRouter wires the full API surface onto a gorilla router.
func NewRouter(cfg *config.Config, engine *services.SettlementEngine, gate *services.TokenGate, log *slog.Logger) *mux.Router {
	payments := NewPaymentHandler(engine, log)
	gates := NewGateHandler(gate, log)
	status := NewStatusHandler(cfg, engine, log)

	router := mux.NewRouter()
	router.Use(CORS, RequestLogger(log))

	router.HandleFunc("/", status.Health).Methods("GET", "HEAD")
	router.HandleFunc("/health", status.Health).Methods("GET")
	router.HandleFunc("/supported", status.Supported).Methods("GET")
	router.HandleFunc("/networks", status.Networks).Methods("GET")
	router.HandleFunc("/wallet/status", status.WalletStatus).Methods("GET")

	router.HandleFunc("/payments/create", payments.CreatePayment).Methods("POST")
	router.HandleFunc("/payments/{paymentID}", payments.GetPayment).Methods("GET")
	router.HandleFunc("/payments/{paymentID}/submit", payments.SubmitPayment).Methods("POST")
	router.HandleFunc("/verify", payments.VerifyPayment).Methods("POST")

	router.HandleFunc("/token-gate/check-access", gates.CheckAccess).Methods("POST")
	router.HandleFunc("/token-gate/tiers", gates.Tiers).Methods("GET")
	router.HandleFunc("/token-gate/accepted-tokens", gates.AcceptedTokens).Methods("GET")
	router.HandleFunc("/token-gate/tier/{walletAddress}", gates.UserTier).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Preflight requests need a matching route for the CORS middleware
	// to run; the handler itself is never reached.
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	return router
}
