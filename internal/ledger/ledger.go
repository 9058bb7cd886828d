// Package ledger is the only writer of wallet balances. Every balance change
// is paired with an append-only ledger entry in the same transaction, and the
// wallet's balance is re-checked against the sum of its entries before commit.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/keylock"
	"missionline/internal/metrics"
	"missionline/internal/repo"
)

type Store struct {
	DB       *sql.DB
	Repo     repo.Repo
	Locks    *keylock.Locker
	Events   events.Writer
	Logger   *slog.Logger
	Currency string
	Now      func() time.Time
}

func New(db *sql.DB, locks *keylock.Locker, currency string, logger *slog.Logger) *Store {
	if locks == nil {
		locks = keylock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Locks:    locks,
		Events:   events.Writer{Now: time.Now},
		Logger:   logger,
		Currency: currency,
		Now:      time.Now,
	}
}

// WalletKey is the lock key guarding a user's wallet.
func WalletKey(userID string) string { return "wallet:" + userID }

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) now() string {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// EnsureWalletTx creates the user and an empty wallet if either is missing.
func (s *Store) EnsureWalletTx(ctx context.Context, tx *sql.Tx, userID string) error {
	now := s.now()
	if err := s.Repo.EnsureUser(ctx, tx, userID, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wallets(user_id, balance, currency, created_at, updated_at) VALUES (?,0,?,?,?)`,
		userID, s.Currency, now, now)
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	return nil
}

func (s *Store) EnsureWallet(ctx context.Context, userID string) (domain.Wallet, error) {
	var w domain.Wallet
	err := s.withWallets(ctx, func(tx *sql.Tx) error {
		if err := s.EnsureWalletTx(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		w, err = s.WalletTx(ctx, tx, userID)
		return err
	}, userID)
	return w, err
}

func (s *Store) Wallet(ctx context.Context, userID string) (domain.Wallet, error) {
	return getWallet(ctx, s.DB, userID)
}

func (s *Store) WalletTx(ctx context.Context, tx *sql.Tx, userID string) (domain.Wallet, error) {
	return getWallet(ctx, tx, userID)
}

func getWallet(ctx context.Context, q querier, userID string) (domain.Wallet, error) {
	var w domain.Wallet
	err := q.QueryRowContext(ctx, `SELECT user_id, balance, currency, created_at, updated_at FROM wallets WHERE user_id=?`, userID).
		Scan(&w.UserID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, repo.ErrNotFound
	}
	return w, err
}

// Balance returns the current balance of userID's wallet.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	w, err := s.Wallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// History lists a wallet's entries newest first. A cursor > 0 returns entries older than that id.
func (s *Store) History(ctx context.Context, userID string, limit int, cursor int64) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, wallet_id, amount, kind, mission_ref, created_at FROM ledger_entries WHERE wallet_id=?`
	args := []any{userID}
	if cursor > 0 {
		query += ` AND id<?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var kind string
		var ref sql.NullString
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Amount, &kind, &ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.EntryKind(kind)
		if ref.Valid {
			e.MissionRef = &ref.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Held returns the escrow still outstanding for a mission: the negated sum of
// every entry referencing it, across all wallets.
func (s *Store) Held(ctx context.Context, missionRef string) (int64, error) {
	return held(ctx, s.DB, missionRef)
}

func (s *Store) HeldTx(ctx context.Context, tx *sql.Tx, missionRef string) (int64, error) {
	return held(ctx, tx, missionRef)
}

func held(ctx context.Context, q querier, missionRef string) (int64, error) {
	var sum int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM ledger_entries WHERE mission_ref=?`, missionRef).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum escrow for %s: %w", missionRef, err)
	}
	return -sum, nil
}

// ReleasedTx sums the release credits paid out for a mission.
func (s *Store) ReleasedTx(ctx context.Context, tx *sql.Tx, missionRef string) (int64, error) {
	var sum int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM ledger_entries WHERE mission_ref=? AND kind=?`,
		missionRef, string(domain.EntryReleaseCredit)).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum releases for %s: %w", missionRef, err)
	}
	return sum, nil
}

// Verify checks balance == sum(entries) for userID's wallet outside any transaction.
func (s *Store) Verify(ctx context.Context, userID string) error {
	return s.verify(ctx, s.DB, userID)
}

func (s *Store) verify(ctx context.Context, q querier, userID string) error {
	var balance, sum int64
	err := q.QueryRowContext(ctx, `SELECT w.balance, COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE wallet_id=w.user_id),0)
		FROM wallets w WHERE w.user_id=?`, userID).Scan(&balance, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("verify wallet %s: %w", userID, err)
	}
	if balance != sum {
		metrics.LedgerIntegrityViolations.Inc()
		s.logger().Error("ledger integrity violation", "wallet_id", userID, "balance", balance, "entries_sum", sum)
		return domain.LedgerIntegrityError{WalletID: userID, Balance: balance, Sum: sum}
	}
	return nil
}

// post applies amount to the wallet balance, appends the matching entry and
// re-verifies the wallet, all inside tx.
func (s *Store) post(ctx context.Context, tx *sql.Tx, userID string, amount int64, kind domain.EntryKind, missionRef string) (domain.LedgerEntry, error) {
	now := s.now()
	res, err := tx.ExecContext(ctx, `UPDATE wallets SET balance = balance + ?, updated_at=? WHERE user_id=?`, amount, now, userID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.LedgerEntry{}, fmt.Errorf("wallet %s: %w", userID, repo.ErrNotFound)
	}
	var ref any
	if missionRef != "" {
		ref = missionRef
	}
	res, err = tx.ExecContext(ctx, `INSERT INTO ledger_entries(wallet_id, amount, kind, mission_ref, created_at) VALUES (?,?,?,?,?)`,
		userID, amount, string(kind), ref, now)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append %s entry: %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := s.verify(ctx, tx, userID); err != nil {
		return domain.LedgerEntry{}, err
	}
	metrics.LedgerEntries.WithLabelValues(string(kind)).Inc()
	e := domain.LedgerEntry{ID: id, WalletID: userID, Amount: amount, Kind: kind, CreatedAt: now}
	if missionRef != "" {
		e.MissionRef = &missionRef
	}
	return e, nil
}

// HoldTx reserves amount from userID's wallet for missionRef. A missing wallet
// counts as an empty one.
func (s *Store) HoldTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, missionRef string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	w, err := s.WalletTx(ctx, tx, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.LedgerEntry{}, err
	}
	if w.Balance < amount {
		return domain.LedgerEntry{}, domain.InsufficientFundsError{UserID: userID, Balance: w.Balance, Requested: amount}
	}
	return s.post(ctx, tx, userID, -amount, domain.EntryEscrowHold, missionRef)
}

// ReleaseTx settles missionRef's escrow: toUserID is credited amount and
// fromUserID's hold is reconciled against it. A shortfall is held from
// fromUserID's balance, a surplus is refunded to it.
func (s *Store) ReleaseTx(ctx context.Context, tx *sql.Tx, fromUserID, toUserID string, amount int64, missionRef string) ([]domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if missionRef == "" {
		return nil, errors.New("release requires a mission reference")
	}
	escrow, err := s.HeldTx(ctx, tx, missionRef)
	if err != nil {
		return nil, err
	}
	var out []domain.LedgerEntry
	switch diff := amount - escrow; {
	case diff > 0:
		e, err := s.HoldTx(ctx, tx, fromUserID, diff, missionRef)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	case diff < 0:
		e, err := s.post(ctx, tx, fromUserID, -diff, domain.EntryRefund, missionRef)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := s.EnsureWalletTx(ctx, tx, toUserID); err != nil {
		return nil, err
	}
	credit, err := s.post(ctx, tx, toUserID, amount, domain.EntryReleaseCredit, missionRef)
	if err != nil {
		return nil, err
	}
	return append(out, credit), nil
}

// RefundTx returns amount of missionRef's escrow to userID. It never refunds
// more than is still held.
func (s *Store) RefundTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, missionRef string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	escrow, err := s.HeldTx(ctx, tx, missionRef)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if amount > escrow {
		return domain.LedgerEntry{}, fmt.Errorf("%w: refund %d exceeds escrow %d for %s", domain.ErrInvalidAmount, amount, escrow, missionRef)
	}
	return s.post(ctx, tx, userID, amount, domain.EntryRefund, missionRef)
}

// MaxBalance caps a wallet balance in minor units; deposits past it are rejected.
const MaxBalance int64 = 1_000_000_000_000

// DepositTx funds a wallet from outside the system.
func (s *Store) DepositTx(ctx context.Context, tx *sql.Tx, userID string, amount int64) (domain.LedgerEntry, error) {
	if amount <= 0 || amount > MaxBalance {
		return domain.LedgerEntry{}, fmt.Errorf("%w: deposit must be between 1 and %d", domain.ErrInvalidAmount, MaxBalance)
	}
	if err := s.EnsureWalletTx(ctx, tx, userID); err != nil {
		return domain.LedgerEntry{}, err
	}
	w, err := getWallet(ctx, tx, userID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if w.Balance > MaxBalance-amount {
		return domain.LedgerEntry{}, fmt.Errorf("%w: balance would exceed %d", domain.ErrInvalidAmount, MaxBalance)
	}
	return s.post(ctx, tx, userID, amount, domain.EntryDeposit, "")
}

func (s *Store) Hold(ctx context.Context, userID string, amount int64, missionRef string) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := s.withWallets(ctx, func(tx *sql.Tx) error {
		var err error
		e, err = s.HoldTx(ctx, tx, userID, amount, missionRef)
		return err
	}, userID)
	return e, err
}

func (s *Store) Release(ctx context.Context, fromUserID, toUserID string, amount int64, missionRef string) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := s.withWallets(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.ReleaseTx(ctx, tx, fromUserID, toUserID, amount, missionRef)
		return err
	}, fromUserID, toUserID)
	return out, err
}

func (s *Store) Refund(ctx context.Context, userID string, amount int64, missionRef string) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := s.withWallets(ctx, func(tx *sql.Tx) error {
		var err error
		e, err = s.RefundTx(ctx, tx, userID, amount, missionRef)
		return err
	}, userID)
	return e, err
}

// Deposit funds userID's wallet and records a wallet.deposited audit event.
func (s *Store) Deposit(ctx context.Context, userID string, amount int64, actorID string) (domain.Wallet, domain.LedgerEntry, error) {
	var w domain.Wallet
	var e domain.LedgerEntry
	err := s.withWallets(ctx, func(tx *sql.Tx) error {
		var err error
		if e, err = s.DepositTx(ctx, tx, userID, amount); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, events.WalletDeposited, "wallet", userID, actorID, events.EventPayload{
			"amount": amount, "entry_id": e.ID,
		}); err != nil {
			return err
		}
		w, err = s.WalletTx(ctx, tx, userID)
		return err
	}, userID)
	return w, e, err
}

// withWallets runs fn in a transaction while holding the wallet locks of userIDs.
func (s *Store) withWallets(ctx context.Context, fn func(tx *sql.Tx) error, userIDs ...string) error {
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			return errors.New("user_id required")
		}
		keys = append(keys, WalletKey(id))
	}
	unlock, err := s.Locks.LockAll(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
