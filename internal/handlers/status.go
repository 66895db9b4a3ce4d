package handlers

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/config"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/services"
)

// x402Version is the protocol version this facilitator speaks.
const x402Version = 1

// StatusHandler serves discovery and operational reads: supported payment
// kinds, network details, sponsor wallet health.
type StatusHandler struct {
	cfg    *config.Config
	engine *services.SettlementEngine
	log    *slog.Logger
}

func NewStatusHandler(cfg *config.Config, engine *services.SettlementEngine, log *slog.Logger) *StatusHandler {
	return &StatusHandler{cfg: cfg, engine: engine, log: log}
}

// Supported handles GET /supported: the x402 (version, scheme, network)
// kinds this facilitator settles.
func (h *StatusHandler) Supported(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.cfg.Networks))
	for name := range h.cfg.Networks {
		names = append(names, name)
	}
	sort.Strings(names)

	kinds := make([]models.SupportedKind, 0, len(names))
	for _, name := range names {
		kinds = append(kinds, models.SupportedKind{
			X402Version: x402Version,
			Scheme:      "exact",
			Network:     name,
		})
	}
	writeJSON(w, http.StatusOK, models.SupportedKindsResponse{Kinds: kinds})
}

// Networks handles GET /networks: a richer discovery view with RPC and
// explorer endpoints.
func (h *StatusHandler) Networks(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.cfg.Networks))
	for name := range h.cfg.Networks {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]models.NetworkInfo, 0, len(names))
	for _, name := range names {
		nc := h.cfg.Networks[name]
		infos = append(infos, models.NetworkInfo{
			Network:     name,
			ChainID:     nil,
			RPCURL:      nc.RPCURL,
			ExplorerURL: nc.ExplorerURL,
			NativeCurrency: models.NativeCurrency{
				Name:     "Solana",
				Symbol:   "SOL",
				Decimals: 9,
			},
			Supported: true,
		})
	}
	writeJSON(w, http.StatusOK, models.SupportedNetworksResponse{Networks: infos})
}

// WalletStatus handles GET /wallet/status.
func (h *StatusHandler) WalletStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.WalletStatus(r.Context())
	if err != nil {
		h.log.Error("wallet status failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Health handles GET /health and GET /.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
