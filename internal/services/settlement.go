package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/config"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/ledger"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/metrics"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/signer"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/store"
)

// SettlementEngine owns the payment lifecycle: it issues transaction
// skeletons, verifies and countersigns payer-signed transactions,
// broadcasts them and tracks them to a terminal status.
//
// Local actors serialize per payment through a keyed lock; the store's
// compare-and-set guard remains the authority when several instances share
// one database.
type SettlementEngine struct {
	cfg      *config.Config
	store    store.PaymentStore
	gateways map[string]ledger.Gateway
	signer   signer.Signer
	log      *slog.Logger

	locks *keyedMutex
	polls *pollRegistry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSettlementEngine(cfg *config.Config, st store.PaymentStore, gateways map[string]ledger.Gateway, sg signer.Signer, log *slog.Logger) *SettlementEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &SettlementEngine{
		cfg:      cfg,
		store:    st,
		gateways: gateways,
		signer:   sg,
		log:      log,
		locks:    newKeyedMutex(),
		polls:    newPollRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// CreateRequest is the payload for opening a payment.
type CreateRequest struct {
	PayerAddress   string `json:"payerAddress"`
	Amount         uint64 `json:"amount"`
	Token          string `json:"token"`
	Network        string `json:"network,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Create validates the request, checks the sponsor wallet can cover another
// fee, and persists a payment carrying the unsigned transaction skeleton.
// When an idempotency key is given and a non-failed, non-expired payment
// already holds it, that payment is returned instead of a new one.
func (e *SettlementEngine) Create(ctx context.Context, req CreateRequest) (*models.Payment, error) {
	req.PayerAddress = strings.TrimSpace(req.PayerAddress)
	req.Token = strings.TrimSpace(req.Token)
	req.Network = strings.TrimSpace(req.Network)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.Amount == 0 || req.Amount > MaxAmount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	payerKey, err := solana.PublicKeyFromBase58(req.PayerAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, req.PayerAddress)
	}
	if payerKey.Equals(e.signer.PublicKey()) {
		return nil, fmt.Errorf("%w: payer is the facilitator wallet", ErrInvalidAddress)
	}

	network := req.Network
	if network == "" {
		network = e.cfg.DefaultNetwork
	}
	nc, ok := e.cfg.Network(network)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
	gw, ok := e.gateways[network]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}

	tok, err := resolveToken(e.cfg, nc, req.Token)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		prior, err := e.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if prior.ExpiryDue(time.Now().UTC()) {
				prior, _ = e.lazyExpire(ctx, prior)
			}
			if prior.Status != models.StatusExpired && prior.Status != models.StatusFailed {
				return prior, nil
			}
			// The key's holder just lapsed, which released the key.
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	// The sponsor balance is read fresh on every create; a cached value
	// must never admit a payment the wallet cannot sponsor.
	balance, err := gw.GetBalance(ctx, e.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("sponsor balance check: %w", err)
	}
	if balance < e.cfg.MinSponsorBalance {
		return nil, fmt.Errorf("%w: balance %d below minimum %d lamports", ErrInsufficientSponsorFunds, balance, e.cfg.MinSponsorBalance)
	}

	blockhash, err := gw.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch blockhash: %w", err)
	}

	// A throwaway key pins the skeleton to this payment, so the same
	// signed bytes can never settle two payments.
	reference := solana.NewWallet().PublicKey()

	unsigned, err := ledger.BuildUnsignedTransfer(ledger.TransferParams{
		Payer:            payerKey,
		Facilitator:      e.signer.PublicKey(),
		Token:            tok,
		Amount:           req.Amount,
		Blockhash:        blockhash,
		Reference:        reference,
		ComputeUnitLimit: e.cfg.ComputeUnitLimit,
		ComputeUnitPrice: e.cfg.ComputeUnitPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("build transfer skeleton: %w", err)
	}

	now := time.Now().UTC()
	p := &models.Payment{
		ID:                 uuid.NewString(),
		PayerAddress:       req.PayerAddress,
		FacilitatorAddress: e.signer.Address(),
		Token:              tok,
		Amount:             req.Amount,
		Network:            network,
		Status:             models.StatusCreated,
		UnsignedTx:         unsigned,
		Reference:          reference.String(),
		IdempotencyKey:     req.IdempotencyKey,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(e.cfg.PaymentExpiry),
	}
	if err := p.TransitionTo(models.StatusAwaitingSignature, ""); err != nil {
		return nil, err
	}

	if err := e.store.Create(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) && req.IdempotencyKey != "" {
			// Lost a concurrent create for the same key; return the winner.
			if winner, werr := e.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); werr == nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("persist payment: %w", err)
	}

	metrics.PaymentsCreated.Inc()
	e.log.Info("payment created",
		"id", p.ID, "payer", p.PayerAddress, "amount", p.Amount,
		"token", tok.Symbol, "network", network, "expires_at", p.ExpiresAt)
	return p, nil
}

// resolveToken accepts a token symbol or mint address and returns the typed
// token if it is allow-listed for the network.
func resolveToken(cfg *config.Config, nc config.NetworkConfig, raw string) (models.Token, error) {
	if raw == "" {
		return models.Token{}, fmt.Errorf("%w: token is required", ErrUnsupportedToken)
	}
	if tok, ok := nc.Tokens[strings.ToUpper(raw)]; ok {
		return tok, nil
	}
	for _, tok := range nc.Tokens {
		if tok.Mint == raw {
			return tok, nil
		}
	}
	if tok, ok := cfg.MintToken(raw); ok {
		return tok, nil
	}
	return models.Token{}, fmt.Errorf("%w: %q on network %s", ErrUnsupportedToken, raw, nc.Name)
}

// Get returns the payment by id, applying lazy expiry when its deadline has
// passed.
func (e *SettlementEngine) Get(ctx context.Context, id string) (*models.Payment, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ExpiryDue(time.Now().UTC()) {
		p, _ = e.lazyExpire(ctx, p)
	}
	return p, nil
}

// Submit accepts the payer-signed transaction for a payment, countersigns
// it and broadcasts it. At most one broadcast reaches the ledger per
// payment: concurrent submissions serialize on the payment lock, and every
// caller after the first finds the status already advanced.
func (e *SettlementEngine) Submit(ctx context.Context, id, signedTx string) (*models.Payment, error) {
	if strings.TrimSpace(signedTx) == "" {
		return nil, fmt.Errorf("%w: signed transaction is required", ErrSignatureMismatch)
	}

	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur, changed := e.expireDueLocked(ctx, p); changed {
		p = cur
	}
	if p.Status != models.StatusAwaitingSignature {
		return p, fmt.Errorf("%w: cannot submit payment in status %s", ErrInvalidState, p.Status)
	}

	if err := ledger.VerifyPayerSigned(p.UnsignedTx, signedTx, p.PayerAddress); err != nil {
		e.log.Warn("submitted transaction rejected", "id", id, "err", err)
		return p, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	cosigned, err := e.signer.Cosign(signedTx)
	if err != nil {
		// Nothing was broadcast; the payment stays signable and the
		// client may retry the submission.
		e.log.Error("countersign failed", "id", id, "err", err)
		return p, fmt.Errorf("countersign: %w", err)
	}

	gw, ok := e.gateways[p.Network]
	if !ok {
		return p, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, p.Network)
	}

	handle, err := gw.Submit(ctx, cosigned)
	if err != nil {
		// Whether the ledger rejected it or the broadcast outcome is
		// unknown, this payment is finished: re-broadcasting a sponsored
		// transfer risks the sponsor paying twice.
		cause := models.CauseRPCUnavailable
		outcome := "unavailable"
		if errors.Is(err, ledger.ErrRejectedByLedger) {
			cause = models.CauseRejectedByLedger
			outcome = "rejected"
		}
		metrics.Submissions.WithLabelValues(outcome).Inc()
		failed := e.failLocked(ctx, p, cause)
		return failed, fmt.Errorf("broadcast: %w", err)
	}
	metrics.Submissions.WithLabelValues("accepted").Inc()

	cp := p.Clone()
	cp.CosignedTx = cosigned
	cp.LedgerTxHandle = handle
	if err := cp.TransitionTo(models.StatusSubmitted, ""); err != nil {
		return p, err
	}
	ok, err = e.store.CompareAndSet(ctx, id, models.StatusAwaitingSignature, cp)
	if err != nil {
		return p, fmt.Errorf("persist submission: %w", err)
	}
	if !ok {
		// Another instance moved the payment while ours was broadcasting.
		cur, gerr := e.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return cur, fmt.Errorf("%w: payment moved to %s during submission", ErrInvalidState, cur.Status)
	}

	e.log.Info("payment submitted", "id", id, "handle", handle, "network", cp.Network)
	e.startPoller(cp)
	return cp, nil
}

// Verify checks a payer-signed transaction against the payment without
// changing any state.
func (e *SettlementEngine) Verify(ctx context.Context, id, signedTx string) (*models.Payment, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ExpiryDue(time.Now().UTC()) {
		p, _ = e.lazyExpire(ctx, p)
	}
	if p.Status != models.StatusAwaitingSignature {
		return p, fmt.Errorf("%w: cannot verify payment in status %s", ErrInvalidState, p.Status)
	}
	if err := ledger.VerifyPayerSigned(p.UnsignedTx, signedTx, p.PayerAddress); err != nil {
		return p, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return p, nil
}

// WalletStatus is a health snapshot of the sponsor wallet.
type WalletStatus struct {
	Address            string  `json:"address"`
	Network            string  `json:"network"`
	Balance            uint64  `json:"balance"`
	BalanceSOL         float64 `json:"balanceSol"`
	MinBalance         uint64  `json:"minBalance"`
	IsLow              bool    `json:"isLow"`
	CanProcessPayments bool    `json:"canProcessPayments"`
}

// WalletStatus reads the sponsor balance on the default network and reports
// whether the facilitator can keep sponsoring payments.
func (e *SettlementEngine) WalletStatus(ctx context.Context) (*WalletStatus, error) {
	gw, ok := e.gateways[e.cfg.DefaultNetwork]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, e.cfg.DefaultNetwork)
	}
	balance, err := gw.GetBalance(ctx, e.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("sponsor balance check: %w", err)
	}
	return &WalletStatus{
		Address:            e.signer.Address(),
		Network:            e.cfg.DefaultNetwork,
		Balance:            balance,
		BalanceSOL:         float64(balance) / float64(solana.LAMPORTS_PER_SOL),
		MinBalance:         e.cfg.MinSponsorBalance,
		IsLow:              balance < e.cfg.MinSponsorBalance,
		CanProcessPayments: balance >= config.CanProcessFloor,
	}, nil
}

// Run restores confirmation polling for payments submitted before a
// restart, then sweeps overdue payments until ctx is cancelled.
func (e *SettlementEngine) Run(ctx context.Context) {
	e.recoverSubmitted(ctx)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
			e.sweepExpired(ctx)
		}
	}
}

// Close stops background pollers and waits for them to drain.
func (e *SettlementEngine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *SettlementEngine) recoverSubmitted(ctx context.Context) {
	submitted, err := e.store.ListByStatus(ctx, models.StatusSubmitted)
	if err != nil {
		e.log.Error("recover submitted payments", "err", err)
		return
	}
	for _, p := range submitted {
		e.startPoller(p)
	}
	if len(submitted) > 0 {
		e.log.Info("resumed confirmation polling", "count", len(submitted))
	}
}

// sweepExpired expires overdue payments that have no live poller.
func (e *SettlementEngine) sweepExpired(ctx context.Context) {
	due, err := e.store.ListByStatus(ctx,
		models.StatusCreated, models.StatusAwaitingSignature, models.StatusSubmitted)
	if err != nil {
		e.log.Error("sweep expired payments", "err", err)
		return
	}
	now := time.Now().UTC()
	for _, p := range due {
		if !p.ExpiryDue(now) || e.polls.watching(p.ID) {
			continue
		}
		e.lazyExpire(ctx, p)
	}
}

// startPoller begins confirmation tracking for a submitted payment. It is a
// no-op when a poller is already live for the id.
func (e *SettlementEngine) startPoller(p *models.Payment) {
	if !e.polls.begin(p.ID) {
		return
	}
	metrics.ActivePolls.Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer metrics.ActivePolls.Dec()
		defer e.polls.end(p.ID)
		e.trackConfirmation(p.Clone())
	}()
}

// trackConfirmation polls the ledger until the payment confirms, fails or
// passes its deadline. Delays double from the base interval up to the
// configured cap. An outcome observed on the final poll still counts: the
// ledger's verdict on moved funds takes precedence over the deadline.
func (e *SettlementEngine) trackConfirmation(p *models.Payment) {
	ctx := e.baseCtx
	gw, ok := e.gateways[p.Network]
	if !ok {
		e.log.Error("no gateway for network", "id", p.ID, "network", p.Network)
		return
	}
	expect := ledger.TransferExpectation{Token: p.Token, Recipient: p.FacilitatorAddress}

	delay := e.cfg.PollInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		st, err := gw.GetStatus(ctx, p.LedgerTxHandle, expect)
		switch {
		case err != nil:
			e.log.Warn("confirmation poll failed", "id", p.ID, "err", err)
		case st.State == ledger.TxConfirmed:
			e.confirm(ctx, p, st)
			return
		case st.State == ledger.TxFailed:
			e.log.Info("transaction failed on ledger", "id", p.ID, "ledger_err", st.Err)
			e.finishFromPoll(ctx, p, models.StatusFailed, models.CauseRejectedByLedger)
			return
		}

		// Another instance may have finalized the payment out of band.
		if cur, err := e.store.Get(ctx, p.ID); err == nil && cur.Status != models.StatusSubmitted {
			return
		}

		if time.Now().UTC().After(p.ExpiresAt) {
			e.finishFromPoll(ctx, p, models.StatusExpired, "confirmation deadline passed")
			return
		}

		delay *= 2
		if delay > e.cfg.PollMaxInterval {
			delay = e.cfg.PollMaxInterval
		}
		timer.Reset(delay)
	}
}

// confirm finalizes a payment whose transaction the ledger reports
// confirmed. The settled transfer is re-checked against the recorded
// intent; a short or misdirected credit is recorded as failed with cause
// confirmed_but_mismatched so reconciliation can pick it up.
func (e *SettlementEngine) confirm(ctx context.Context, p *models.Payment, st ledger.TxStatus) {
	if st.ConfirmedAmount < p.Amount || st.Recipient != p.FacilitatorAddress {
		e.log.Error("confirmed transfer does not match payment",
			"id", p.ID, "want_amount", p.Amount, "got_amount", st.ConfirmedAmount,
			"want_recipient", p.FacilitatorAddress, "got_recipient", st.Recipient)
		e.finishFromPoll(ctx, p, models.StatusFailed, models.CauseConfirmedButMismatched)
		return
	}
	if e.finishFromPoll(ctx, p, models.StatusConfirmed, "") {
		metrics.SponsoredFees.Add(float64(st.FeeLamports))
		metrics.SettlementDuration.Observe(time.Since(p.CreatedAt).Seconds())
	}
}

// finishFromPoll moves a submitted payment to a terminal status under the
// payment lock. It reports whether this call performed the transition.
func (e *SettlementEngine) finishFromPoll(ctx context.Context, p *models.Payment, next models.Status, cause string) bool {
	e.locks.Lock(p.ID)
	defer e.locks.Unlock(p.ID)

	cur, err := e.store.Get(ctx, p.ID)
	if err != nil {
		e.log.Error("finalize payment", "id", p.ID, "err", err)
		return false
	}
	if cur.Status != models.StatusSubmitted {
		return false
	}
	cp := cur.Clone()
	if err := cp.TransitionTo(next, cause); err != nil {
		e.log.Error("finalize payment", "id", p.ID, "err", err)
		return false
	}
	ok, err := e.store.CompareAndSet(ctx, p.ID, models.StatusSubmitted, cp)
	if err != nil || !ok {
		e.log.Error("finalize payment lost race", "id", p.ID, "err", err)
		return false
	}
	metrics.PaymentsTerminal.WithLabelValues(string(next)).Inc()
	e.log.Info("payment finalized", "id", p.ID, "status", next, "cause", cause)
	return true
}

// lazyExpire expires an overdue payment from a read path. It takes the
// payment lock and re-reads before deciding.
func (e *SettlementEngine) lazyExpire(ctx context.Context, p *models.Payment) (*models.Payment, bool) {
	e.locks.Lock(p.ID)
	defer e.locks.Unlock(p.ID)

	cur, err := e.store.Get(ctx, p.ID)
	if err != nil {
		return p, false
	}
	return e.expireDueLocked(ctx, cur)
}

// expireDueLocked moves an overdue payment to expired. The caller must hold
// the payment's lock. Payments with a live confirmation poller are left to
// the poller, which applies the same deadline itself.
func (e *SettlementEngine) expireDueLocked(ctx context.Context, p *models.Payment) (*models.Payment, bool) {
	if !p.ExpiryDue(time.Now().UTC()) || e.polls.watching(p.ID) {
		return p, false
	}
	cp := p.Clone()
	prev := cp.Status
	if err := cp.TransitionTo(models.StatusExpired, "deadline passed"); err != nil {
		return p, false
	}
	ok, err := e.store.CompareAndSet(ctx, cp.ID, prev, cp)
	if err != nil {
		e.log.Error("expire payment", "id", cp.ID, "err", err)
		return p, false
	}
	if !ok {
		if cur, gerr := e.store.Get(ctx, cp.ID); gerr == nil {
			return cur, true
		}
		return p, false
	}
	metrics.PaymentsTerminal.WithLabelValues(string(models.StatusExpired)).Inc()
	e.log.Info("payment expired", "id", cp.ID, "from", prev)
	return cp, true
}

// failLocked marks p failed with the given cause. The caller must hold the
// payment's lock.
func (e *SettlementEngine) failLocked(ctx context.Context, p *models.Payment, cause string) *models.Payment {
	cp := p.Clone()
	prev := cp.Status
	if err := cp.TransitionTo(models.StatusFailed, cause); err != nil {
		return p
	}
	ok, err := e.store.CompareAndSet(ctx, cp.ID, prev, cp)
	if err != nil || !ok {
		e.log.Error("record failure", "id", cp.ID, "cause", cause, "err", err)
		if cur, gerr := e.store.Get(ctx, cp.ID); gerr == nil {
			return cur
		}
		return p
	}
	metrics.PaymentsTerminal.WithLabelValues(string(models.StatusFailed)).Inc()
	e.log.Info("payment failed", "id", cp.ID, "cause", cause)
	return cp
}
