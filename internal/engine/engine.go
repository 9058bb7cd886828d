package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"missionline/internal/config"
	"missionline/internal/delivery"
	"missionline/internal/domain"
	"missionline/internal/engine/auth"
	"missionline/internal/events"
	"missionline/internal/invoice"
	"missionline/internal/keylock"
	"missionline/internal/ledger"
	"missionline/internal/metrics"
	"missionline/internal/realtime"
	"missionline/internal/repo"
)

const collaboratorTimeout = 30 * time.Second

var tracer = otel.Tracer("missionline/internal/engine")

// Engine applies mission transitions. Each transition holds the mission lock
// and the involved wallet locks, writes the mission row, ledger entries and
// audit event in one transaction, and only after commit and unlock fans out
// live events and calls the side-channel collaborators.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   *ledger.Store
	Auth     auth.Service
	Events   events.Writer
	Config   *config.Config
	Locks    *keylock.Locker
	Registry *realtime.Registry
	Notifier *realtime.Notifier
	Invoices invoice.Generator
	Delivery delivery.Deliverer
	Logger   *slog.Logger
	Now      func() time.Time

	wg sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	locks := keylock.New()
	r := repo.Repo{DB: db}
	reg := realtime.NewRegistry(cfg.Realtime.ChannelBuffer, cfg.Realtime.MaxChannelsPerUser)
	e := &Engine{
		DB:       db,
		Repo:     r,
		Ledger:   ledger.New(db, locks, cfg.Currency, logger),
		Auth:     auth.Service{DB: db},
		Config:   cfg,
		Locks:    locks,
		Registry: reg,
		Notifier: realtime.NewNotifier(reg, logger),
		Invoices: invoice.NewStore(r, logger),
		Delivery: delivery.New(cfg, logger),
		Logger:   logger,
		Now:      time.Now,
	}
	e.Events = events.Writer{Now: e.now}
	e.Ledger.Events = e.Events
	e.Ledger.Now = e.now
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// MissionKey is the lock key serializing transitions of one mission.
func MissionKey(id string) string { return "mission:" + id }

// Drain waits for in-flight collaborator calls.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// CreateOptions are parameters for creating a mission.
type CreateOptions struct {
	RequesterID     string
	Category        string
	Description     string
	Address         string
	ScheduledFor    string
	EstimatedAmount int64
}

// CreateMission inserts a pending mission and holds its estimate from the
// requester's wallet. Either both are written or neither.
func (e *Engine) CreateMission(ctx context.Context, opts CreateOptions) (m domain.Mission, err error) {
	ctx, span := tracer.Start(ctx, "engine.create")
	started := time.Now()
	defer func() { e.observe(span, "create", started, err) }()

	opts.RequesterID = strings.TrimSpace(opts.RequesterID)
	opts.Category = strings.TrimSpace(opts.Category)
	switch {
	case opts.RequesterID == "":
		return m, fmt.Errorf("%w: requester_id is required", domain.ErrInvalidInput)
	case opts.Category == "":
		return m, fmt.Errorf("%w: category is required", domain.ErrInvalidInput)
	case !e.Config.KnownCategory(opts.Category):
		return m, fmt.Errorf("%w: unknown category %q", domain.ErrInvalidInput, opts.Category)
	case opts.EstimatedAmount <= 0:
		return m, domain.ErrInvalidAmount
	}
	if opts.ScheduledFor != "" {
		ts, perr := time.Parse(time.RFC3339, opts.ScheduledFor)
		if perr != nil {
			return m, fmt.Errorf("%w: scheduled_for must be RFC3339: %v", domain.ErrInvalidInput, perr)
		}
		opts.ScheduledFor = ts.UTC().Format(time.RFC3339)
	}
	now := e.now().UTC().Format(time.RFC3339)
	m = domain.Mission{
		ID:              uuid.NewString(),
		RequesterID:     opts.RequesterID,
		Category:        opts.Category,
		Description:     opts.Description,
		Address:         opts.Address,
		ScheduledFor:    opts.ScheduledFor,
		Status:          domain.StatusPending,
		EstimatedAmount: opts.EstimatedAmount,
		Currency:        e.Config.Currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	span.SetAttributes(attribute.String("mission.id", m.ID))

	unlock, err := e.Locks.Lock(ctx, ledger.WalletKey(m.RequesterID))
	if err != nil {
		return domain.Mission{}, err
	}
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureUser(ctx, tx, m.RequesterID, now); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if _, err := e.Ledger.HoldTx(ctx, tx, m.RequesterID, m.EstimatedAmount, m.ID); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MissionCreated, "mission", m.ID, m.RequesterID, events.EventPayload{
		"status": m.Status, "category": m.Category, "estimated_amount": m.EstimatedAmount,
	}); err != nil {
		return domain.Mission{}, err
	}
	w, err := e.Ledger.WalletTx(ctx, tx, m.RequesterID)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	unlock()

	e.Notifier.Publish(m.RequesterID, realtime.MissionEvent(realtime.MissionUpdated, m))
	e.Notifier.Publish(m.RequesterID, realtime.WalletEvent(w))
	e.notify(ctx, events.MissionCreated, m.RequesterID, m)
	return m, nil
}

// outcome is what a transition step reports back to run.
type outcome struct {
	audit   string
	payload events.EventPayload
	live    realtime.Kind
	wallets []string
	invoice bool
}

type step func(ctx context.Context, tx *sql.Tx, m *domain.Mission) (outcome, error)

// run serializes a transition on missionID and applies fn inside one
// transaction. Live events go out after commit but before the mission lock is
// released, so every channel sees a mission's events in transition order.
func (e *Engine) run(ctx context.Context, action, missionID, actorID string, fn step) (m domain.Mission, err error) {
	ctx, span := tracer.Start(ctx, "engine."+action, trace.WithAttributes(
		attribute.String("mission.id", missionID),
		attribute.String("actor.id", actorID),
	))
	started := time.Now()
	defer func() { e.observe(span, action, started, err) }()

	unlockMission, err := e.Locks.Lock(ctx, MissionKey(missionID))
	if err != nil {
		return m, err
	}
	defer unlockMission()
	current, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	// Parties cannot change while the mission lock is held, except that accept
	// assigns a provider whose wallet it never touches.
	keys := make([]string, 0, 2)
	for _, p := range current.Parties() {
		keys = append(keys, ledger.WalletKey(p))
	}
	unlockWallets, err := e.Locks.LockAll(ctx, keys...)
	if err != nil {
		return m, err
	}
	defer unlockWallets()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()

	m, err = e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return m, err
	}
	from := m.Status
	out, err := fn(ctx, tx, &m)
	if err != nil {
		return current, err
	}
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return current, err
	}
	payload := out.payload
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from_status"] = from
	payload["to_status"] = m.Status
	if err := e.Events.Append(ctx, tx, out.audit, "mission", m.ID, actorID, payload); err != nil {
		return current, err
	}
	wallets := make([]domain.Wallet, 0, len(out.wallets))
	for _, id := range out.wallets {
		w, err := e.Ledger.WalletTx(ctx, tx, id)
		if err != nil {
			return current, err
		}
		wallets = append(wallets, w)
	}
	if err := tx.Commit(); err != nil {
		return current, err
	}
	unlockWallets()

	parties := m.Parties()
	e.Notifier.PublishAll(parties, realtime.MissionEvent(out.live, m))
	for _, w := range wallets {
		e.Notifier.Publish(w.UserID, realtime.WalletEvent(w))
	}
	unlockMission()
	if out.invoice {
		e.generateInvoice(ctx, m)
	}
	e.notify(ctx, out.audit, actorID, m)
	return m, nil
}

func (e *Engine) observe(span trace.Span, action string, started time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case isRejection(err):
		result = "rejected"
	default:
		result = "error"
	}
	if err != nil {
		span.RecordError(err)
		if result == "error" {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if errors.Is(err, domain.ErrLedgerIntegrity) {
		e.logger().Error("transition aborted by ledger integrity check", "action", action, "err", err)
	}
	metrics.Transitions.WithLabelValues(action, result).Inc()
	metrics.TransitionDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
	span.End()
}

// isRejection reports errors caused by the request rather than the system.
func isRejection(err error) bool {
	var fe auth.ForbiddenError
	return errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrInvalidRating) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.As(err, &fe)
}

func invalid(m domain.Mission, action, reason string) error {
	return domain.InvalidTransitionError{MissionID: m.ID, From: m.Status, Action: action, Reason: reason}
}

// ensureMissionTransition enforces the status graph for action.
func ensureMissionTransition(m domain.Mission, action string) error {
	switch action {
	case "accept":
		if m.Status == domain.StatusPending {
			return nil
		}
	case "start":
		if m.Status == domain.StatusAccepted {
			return nil
		}
	case "complete":
		if m.Status == domain.StatusInProgress {
			return nil
		}
	case "validate":
		if m.Status == domain.StatusCompleted {
			return nil
		}
	case "cancel":
		if m.Status == domain.StatusPending || m.Status == domain.StatusAccepted {
			return nil
		}
	case "dispute":
		if !m.Status.Terminal() && m.Status != domain.StatusDisputed {
			return nil
		}
	case "resolve":
		if m.Status == domain.StatusDisputed {
			return nil
		}
	}
	return invalid(m, action, "")
}

// AcceptMission assigns providerID to a pending mission.
func (e *Engine) AcceptMission(ctx context.Context, missionID, providerID string) (domain.Mission, error) {
	providerID = strings.TrimSpace(providerID)
	return e.run(ctx, "accept", missionID, providerID, func(ctx context.Context, tx *sql.Tx, m *domain.Mission) (outcome, error) {
		if err := ensureMissionTransition(*m, "accept"); err != nil {
			return outcome{}, err
		}
		switch {
		case providerID == "":
			return outcome{}, invalid(*m, "accept", "provider required")
		case m.ProviderID != nil:
			return outcome{}, invalid(*m, "accept", "provider already assigned")
		case providerID == m.RequesterID:
			return outcome{}, invalid(*m, "accept", "requester cannot accept own mission")
		}
		if err := e.Repo.EnsureUser(ctx, tx, providerID, e.now().UTC().Format(time.RFC3339)); err != nil {
			return outcome{}, err
		}
		m.ProviderID = &providerID
		m.Status = domain.StatusAccepted
		return outcome{
			audit:   events.MissionAccepted,
			payload: events.EventPayload{"provider_id": providerID},
			live:    realtime.MissionAccepted,
		}, nil
	})
}

// StartMission moves an accepted mission to in_progress; only the assigned provider may.
func (e *Engine) StartMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.run(ctx, "start", missionID, actorID, func(ctx context.Context, tx *sql.Tx, m *domain.Mission) (outcome, error) {
		if err := ensureMissionTransition(*m, "start"); err != nil {
			return outcome{}, err
		}
		if !m.IsProvider(actorID) {
			return outcome{}, invalid(*m, "start", "only the assigned provider can start")
		}
		m.Status = domain.StatusInProgress
		return outcome{audit: events.MissionStarted, live: realtime.MissionUpdated}, nil
	})
}

// CompleteMission settles escrow: the provider is credited finalAmount (the
// estimate when nil) and the requester's hold is reconciled in the same
// transaction.
func (e *Engine) CompleteMission(ctx context.Context, missionID, actorID string, finalAmount *int64) (domain.Mission, error) {
	return e.run(ctx, "complete", missionID, actorID, func(ctx context.Context, tx *sql.Tx, m *domain.Mission) (outcome, error) {
		if err := ensureMissionTransition(*m, "complete"); err != nil {
			return outcome{}, err
		}
		if !m.IsProvider(actorID) {
			return outcome{}, invalid(*m, "complete", "only the assigned provider can complete")
		}
		final := m.EstimatedAmount
		if finalAmount != nil {
			final = *finalAmount
		}
		if final <= 0 {
			return outcome{}, domain.ErrInvalidAmount
		}
		entries, err := e.Ledger.ReleaseTx(ctx, tx, m.RequesterID, *m.ProviderID, final, m.ID)
		if err != nil {
			return outcome{}, err
		}
		m.FinalAmount = &final
		m.Status = domain.StatusCompleted
		return outcome{
			audit:   events.MissionCompleted,
			payload: events.EventPayload{"final_amount": final, "ledger_entries": entryIDs(entries)},
			live:    realtime.MissionCompleted,
			wallets: m.Parties(),
			invoice: true,
		}, nil
	})
}

// ValidateMission closes a completed mission and records the requester's rating of the provider.
func (e *Engine) ValidateMission(ctx context.Context, missionID, actorID string, rating int) (domain.Mission, error) {
	return e.run(ctx, "validate", missionID, actorID, func(ctx context.Context, tx *sql.Tx, m *domain.Mission) (outcome, error) {
		if err := ensureMissionTransition(*m, "validate"); err != nil {
			return outcome{}, err
		}
		if actorID != m.RequesterID {
			return outcome{}, invalid(*m, "validate", "only the requester can validate")
		}
		if rating < 1 || rating > 5 {
			return outcome{}, domain.ErrInvalidRating
		}
		avg, count, err := e.Repo.InsertRating(ctx, tx, domain.Rating{
			MissionID:   m.ID,
			ProviderID:  *m.ProviderID,
			RequesterID: m.RequesterID,
			Score:       rating,
			CreatedAt:   e.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return outcome{}, err
		}
		m.Rating = &rating
		m.Status = domain.StatusValidated
		return outcome{
			audit:   events.MissionValidated,
			payload: events.EventPayload{"rating": rating, "provider_rating_avg": avg, "provider_rating_count": count},
			live:    realtime.MissionUpdated,
		}, nil
	})
}

// CancelMission refunds the whole escrow to the requester. Either party may cancel before work starts.
func (e *Engine) CancelMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.run(ctx, "cancel", missionID, actorID, func(ctx context.Context, tx *sql.Tx, m *domain.Mission) (outcome, error) {
		if err := ensureMissionTransition(*m, "cancel"); err != nil {
			return outcome{}, err
		}
		if !m.IsParty(actorID) {
			return outcome{}, invalid(*m, "cancel", "only the requester or assigned provider can cancel")
		}
		refunded, err := e.refundEscrow(ctx, tx, *m)
		if err != nil {
			return outcome{}, err
		}
		m.Status = domain.StatusCancelled
		return outcome{
			audit:   events.MissionCancelled,
			payload: events.EventPayload{"refunded": refunded},
			live:    realtime.MissionUpdated,
			wallets: []string{m.RequesterID},
		}, nil
	})
}

func (e *Engine) refundEscrow(ctx context.Context, tx *sql.Tx, m domain.Mission) (int64, error) {
	held, err := e.Ledger.HeldTx(ctx, tx, m.ID)
	if err != nil {
		return 0, err
	}
	if held <= 0 {
		return 0, nil
	}
	if _, err := e.Ledger.RefundTx(ctx, tx, m.RequesterID, held, m.ID); err != nil {
		return 0, err
	}
	return held, nil
}

// DisputeMission freezes a mission until a mediator resolves it. No money moves.
func (e *Engine) DisputeMission(ctx context.Context, missionID, actorID, reason string) (domain.Mission, error) {
	return e.run(ctx, "dispute", missionID, actorID, func(ctx context.Context, tx *sql.Tx, m *domain.Mission) (outcome, error) {
		if err := ensureMissionTransition(*m, "dispute"); err != nil {
			return outcome{}, err
		}
		if !m.IsParty(actorID) {
			return outcome{}, invalid(*m, "dispute", "only a party to the mission can dispute")
		}
		payload := events.EventPayload{"reason": reason}
		if m.FinalAmount != nil {
			payload["final_amount"] = *m.FinalAmount
		}
		// final_amount only exists on settled statuses; the ledger keeps the paid amount.
		m.FinalAmount = nil
		m.Status = domain.StatusDisputed
		return outcome{audit: events.MissionDisputed, payload: payload, live: realtime.MissionUpdated}, nil
	})
}

// ResolveDispute is the mediated exit from disputed. While escrow is still
// held, providerAmount 0 cancels with a full refund and a positive amount up
// to the escrow completes the mission paying the provider that amount. When
// the dispute was raised after settlement the mission returns to completed
// and providerAmount is ignored.
func (e *Engine) ResolveDispute(ctx context.Context, missionID, actorID string, providerAmount int64) (domain.Mission, error) {
	return e.run(ctx, "resolve", missionID, actorID, func(ctx context.Context, tx *sql.Tx, m *domain.Mission) (outcome, error) {
		if err := ensureMissionTransition(*m, "resolve"); err != nil {
			return outcome{}, err
		}
		if err := e.Auth.Require(ctx, tx, actorID, "resolve dispute", auth.RoleMediator); err != nil {
			return outcome{}, err
		}
		if providerAmount < 0 {
			return outcome{}, domain.ErrInvalidAmount
		}
		held, err := e.Ledger.HeldTx(ctx, tx, m.ID)
		if err != nil {
			return outcome{}, err
		}
		out := outcome{audit: events.MissionResolved, live: realtime.MissionUpdated, wallets: m.Parties()}
		switch {
		case held > 0 && providerAmount == 0:
			if _, err := e.Ledger.RefundTx(ctx, tx, m.RequesterID, held, m.ID); err != nil {
				return outcome{}, err
			}
			m.Status = domain.StatusCancelled
			out.payload = events.EventPayload{"refunded": held, "outcome": "refund"}
			out.wallets = []string{m.RequesterID}
		case held > 0:
			if m.ProviderID == nil {
				return outcome{}, invalid(*m, "resolve", "no provider to pay")
			}
			if providerAmount > held {
				return outcome{}, fmt.Errorf("%w: provider amount %d exceeds escrow %d", domain.ErrInvalidAmount, providerAmount, held)
			}
			if _, err := e.Ledger.ReleaseTx(ctx, tx, m.RequesterID, *m.ProviderID, providerAmount, m.ID); err != nil {
				return outcome{}, err
			}
			m.FinalAmount = &providerAmount
			m.Status = domain.StatusCompleted
			out.payload = events.EventPayload{"final_amount": providerAmount, "refunded": held - providerAmount, "outcome": "release"}
			out.invoice = true
		default:
			released, err := e.Ledger.ReleasedTx(ctx, tx, m.ID)
			if err != nil {
				return outcome{}, err
			}
			if released > 0 {
				m.FinalAmount = &released
				m.Status = domain.StatusCompleted
				out.payload = events.EventPayload{"final_amount": released, "outcome": "upheld"}
			} else {
				m.Status = domain.StatusCancelled
				out.payload = events.EventPayload{"outcome": "closed"}
			}
			out.wallets = nil
		}
		return out, nil
	})
}

func (e *Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, id)
}

func (e *Engine) ListMissions(ctx context.Context, f repo.MissionFilters) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx, f)
}

// WalletView is a wallet with its most recent ledger entries.
type WalletView struct {
	Wallet  domain.Wallet        `json:"wallet"`
	History []domain.LedgerEntry `json:"history"`
}

func (e *Engine) GetWallet(ctx context.Context, userID string, limit int, cursor int64) (WalletView, error) {
	w, err := e.Ledger.Wallet(ctx, userID)
	if err != nil {
		return WalletView{}, err
	}
	hist, err := e.Ledger.History(ctx, userID, limit, cursor)
	if err != nil {
		return WalletView{}, err
	}
	return WalletView{Wallet: w, History: hist}, nil
}

// Deposit funds userID's wallet and pushes the new balance to their sessions.
func (e *Engine) Deposit(ctx context.Context, userID string, amount int64, actorID string) (domain.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Wallet{}, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}
	w, _, err := e.Ledger.Deposit(ctx, userID, amount, actorID)
	if err != nil {
		return w, err
	}
	e.Notifier.Publish(userID, realtime.WalletEvent(w))
	return w, nil
}

// background runs fn detached from the caller's cancellation so a finished
// request does not abort a collaborator call.
func (e *Engine) background(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			metrics.SideChannelFailures.WithLabelValues(name).Inc()
			e.logger().Warn("collaborator call failed", "collaborator", name, "err", err)
		}
	}()
}

func (e *Engine) generateInvoice(ctx context.Context, m domain.Mission) {
	if e.Invoices == nil || m.ProviderID == nil || m.FinalAmount == nil {
		return
	}
	req := invoice.Request{
		MissionID:   m.ID,
		RequesterID: m.RequesterID,
		ProviderID:  *m.ProviderID,
		Category:    m.Category,
		FinalAmount: *m.FinalAmount,
		Currency:    m.Currency,
	}
	e.background(ctx, "invoice", func(ctx context.Context) error {
		return e.Invoices.Generate(ctx, req)
	})
}

func (e *Engine) notify(ctx context.Context, evtType, actorID string, m domain.Mission) {
	if e.Delivery == nil {
		return
	}
	n := delivery.Notification{
		Type:       evtType,
		ActorID:    actorID,
		Recipients: m.Parties(),
		Mission:    m,
		TS:         e.now().UTC().Format(time.RFC3339),
	}
	e.background(ctx, "delivery", func(ctx context.Context) error {
		return e.Delivery.Deliver(ctx, n)
	})
}

func entryIDs(entries []domain.LedgerEntry) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, en := range entries {
		ids = append(ids, en.ID)
	}
	return ids
}
