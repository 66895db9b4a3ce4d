package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/config"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/ledger"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/metrics"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
)

// TokenGate answers holdings-based access questions: whether a wallet holds
// enough of a token, and which membership tier its balance earns. Gate
// decisions fail closed: when a balance cannot be read, access is denied.
type TokenGate struct {
	cfg      *config.Config
	gateways map[string]ledger.Gateway
	log      *slog.Logger
}

func NewTokenGate(cfg *config.Config, gateways map[string]ledger.Gateway, log *slog.Logger) *TokenGate {
	return &TokenGate{cfg: cfg, gateways: gateways, log: log}
}

// AccessRequest asks whether a wallet holds at least MinAmount of a token.
type AccessRequest struct {
	WalletAddress string `json:"walletAddress"`
	Token         string `json:"token"`
	MinAmount     uint64 `json:"minAmount"`
	Network       string `json:"network,omitempty"`
}

// AccessResult is a gate decision.
type AccessResult struct {
	Allowed       bool         `json:"allowed"`
	CurrentAmount uint64       `json:"currentAmount"`
	Required      uint64       `json:"required"`
	Token         models.Token `json:"token"`
}

// TierStatus reports the membership tier a wallet's balance earns.
type TierStatus struct {
	Wallet   string   `json:"wallet"`
	Tier     string   `json:"tier"`
	Balance  uint64   `json:"balance"`
	Benefits []string `json:"benefits"`
}

// AcceptedToken is one token usable for gate checks on a network.
type AcceptedToken struct {
	Network string       `json:"network"`
	Token   models.Token `json:"token"`
}

// CheckAccess reads the wallet's live balance and compares it against the
// required amount. A balance that cannot be read wraps ErrGateUnavailable
// and the returned result denies access.
func (g *TokenGate) CheckAccess(ctx context.Context, req AccessRequest) (*AccessResult, error) {
	req.WalletAddress = strings.TrimSpace(req.WalletAddress)
	req.Token = strings.TrimSpace(req.Token)
	req.Network = strings.TrimSpace(req.Network)

	if _, err := solana.PublicKeyFromBase58(req.WalletAddress); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, req.WalletAddress)
	}
	if req.MinAmount == 0 {
		return nil, fmt.Errorf("%w: minAmount must be positive", ErrInvalidAmount)
	}

	network := req.Network
	if network == "" {
		network = g.cfg.DefaultNetwork
	}
	nc, ok := g.cfg.Network(network)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
	gw, ok := g.gateways[network]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
	tok, err := resolveToken(g.cfg, nc, req.Token)
	if err != nil {
		return nil, err
	}

	balance, err := g.balanceOf(ctx, gw, req.WalletAddress, tok)
	if err != nil {
		metrics.GateChecks.WithLabelValues("unavailable").Inc()
		g.log.Warn("gate balance check failed", "wallet", req.WalletAddress, "token", tok.Symbol, "err", err)
		return &AccessResult{Allowed: false, Required: req.MinAmount, Token: tok},
			fmt.Errorf("%w: %v", ErrGateUnavailable, err)
	}

	res := &AccessResult{
		Allowed:       balance >= req.MinAmount,
		CurrentAmount: balance,
		Required:      req.MinAmount,
		Token:         tok,
	}
	if res.Allowed {
		metrics.GateChecks.WithLabelValues("allowed").Inc()
	} else {
		metrics.GateChecks.WithLabelValues("denied").Inc()
	}
	return res, nil
}

// UserTier resolves the highest configured tier the wallet's balance meets.
// Wallets meeting no tier fall back to the free tier.
func (g *TokenGate) UserTier(ctx context.Context, walletAddress string) (*TierStatus, error) {
	walletAddress = strings.TrimSpace(walletAddress)
	if _, err := solana.PublicKeyFromBase58(walletAddress); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, walletAddress)
	}

	network := g.cfg.DefaultNetwork
	nc, _ := g.cfg.Network(network)
	gw, ok := g.gateways[network]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	balances := make(map[string]uint64)
	best := -1
	var firstBalance uint64
	haveFirst := false
	for i, tier := range g.cfg.Tiers {
		tok, err := resolveToken(g.cfg, nc, tier.Token)
		if err != nil {
			g.log.Warn("tier token not resolvable on network", "tier", tier.Name, "token", tier.Token, "network", network)
			continue
		}
		balance, ok := balances[tok.Mint]
		if !ok {
			balance, err = g.balanceOf(ctx, gw, walletAddress, tok)
			if err != nil {
				metrics.GateChecks.WithLabelValues("unavailable").Inc()
				return nil, fmt.Errorf("%w: %v", ErrGateUnavailable, err)
			}
			balances[tok.Mint] = balance
		}
		if !haveFirst {
			firstBalance = balance
			haveFirst = true
		}
		if balance >= tier.MinAmount && (best < 0 || tier.MinAmount > g.cfg.Tiers[best].MinAmount) {
			best = i
		}
	}

	if best < 0 {
		return &TierStatus{
			Wallet:   walletAddress,
			Tier:     "Free",
			Balance:  firstBalance,
			Benefits: []string{"Basic access"},
		}, nil
	}
	tier := g.cfg.Tiers[best]
	tok, _ := resolveToken(g.cfg, nc, tier.Token)
	return &TierStatus{
		Wallet:   walletAddress,
		Tier:     tier.Name,
		Balance:  balances[tok.Mint],
		Benefits: tier.Benefits,
	}, nil
}

// Tiers returns the configured membership tiers.
func (g *TokenGate) Tiers() []config.Tier {
	return g.cfg.Tiers
}

// AcceptedTokens lists the tokens usable for gate checks, per network,
// in a stable order.
func (g *TokenGate) AcceptedTokens() []AcceptedToken {
	networks := make([]string, 0, len(g.cfg.Networks))
	for name := range g.cfg.Networks {
		networks = append(networks, name)
	}
	sort.Strings(networks)

	var out []AcceptedToken
	for _, name := range networks {
		nc := g.cfg.Networks[name]
		symbols := make([]string, 0, len(nc.Tokens))
		for sym := range nc.Tokens {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			out = append(out, AcceptedToken{Network: name, Token: nc.Tokens[sym]})
		}
		for _, tok := range g.cfg.ExtraSPLTokens {
			out = append(out, AcceptedToken{Network: name, Token: tok})
		}
	}
	return out
}

// balanceOf reads the wallet's balance of tok in base units.
func (g *TokenGate) balanceOf(ctx context.Context, gw ledger.Gateway, wallet string, tok models.Token) (uint64, error) {
	if tok.IsNative() {
		return gw.GetBalance(ctx, wallet)
	}
	return gw.GetTokenBalance(ctx, wallet, tok.Mint)
}
