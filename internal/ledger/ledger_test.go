package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/ledger"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

func newStore(t *testing.T) *ledger.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	s := ledger.New(conn, nil, "EUR", nil)
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

// seedMission inserts a bare mission row so ledger entries can reference it.
func seedMission(t *testing.T, s *ledger.Store, id, requester string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, s.Repo.EnsureUser(ctx, tx, requester, "2024-01-01T00:00:00Z"))
	require.NoError(t, s.Repo.InsertMission(ctx, tx, domain.Mission{
		ID: id, RequesterID: requester, Category: "plumbing", Status: domain.StatusPending,
		EstimatedAmount: 1, Currency: "EUR", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}))
	require.NoError(t, tx.Commit())
}

func sumEntries(t *testing.T, s *ledger.Store, userID string) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, s.DB.QueryRow(`SELECT COALESCE(SUM(amount),0) FROM ledger_entries WHERE wallet_id=?`, userID).Scan(&sum))
	return sum
}

func TestEscrowScenario(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedMission(t, s, "m1", "alice")

	_, _, err := s.Deposit(ctx, "alice", 500, "admin")
	require.NoError(t, err)

	hold, err := s.Hold(ctx, "alice", 120, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(-120), hold.Amount)
	assert.Equal(t, domain.EntryEscrowHold, hold.Kind)
	bal, err := s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(380), bal)

	entries, err := s.Release(ctx, "alice", "bob", 150, "m1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryEscrowHold, entries[0].Kind)
	assert.Equal(t, int64(-30), entries[0].Amount)
	assert.Equal(t, domain.EntryReleaseCredit, entries[1].Kind)
	assert.Equal(t, int64(150), entries[1].Amount)

	bal, err = s.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(350), bal)
	bal, err = s.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal)

	escrow, err := s.Held(ctx, "m1")
	require.NoError(t, err)
	assert.Zero(t, escrow)

	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, s.Verify(ctx, u))
		b, _ := s.Balance(ctx, u)
		assert.Equal(t, b, sumEntries(t, s, u))
	}
}

func TestReleaseBelowHoldRefundsDifference(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedMission(t, s, "m1", "alice")
	_, _, err := s.Deposit(ctx, "alice", 200, "admin")
	require.NoError(t, err)
	_, err = s.Hold(ctx, "alice", 120, "m1")
	require.NoError(t, err)

	entries, err := s.Release(ctx, "alice", "bob", 100, "m1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryRefund, entries[0].Kind)
	assert.Equal(t, int64(20), entries[0].Amount)

	bal, _ := s.Balance(ctx, "alice")
	assert.Equal(t, int64(100), bal)
}

func TestReleaseShortfallNeedsFunds(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedMission(t, s, "m1", "alice")
	_, _, err := s.Deposit(ctx, "alice", 120, "admin")
	require.NoError(t, err)
	_, err = s.Hold(ctx, "alice", 120, "m1")
	require.NoError(t, err)

	_, err = s.Release(ctx, "alice", "bob", 150, "m1")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	escrow, err := s.Held(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), escrow)
	_, err = s.Wallet(ctx, "bob")
	assert.ErrorIs(t, err, repo.ErrNotFound, "rolled back release must not leave a provider wallet behind")
}

func TestHoldInsufficientFundsLeavesBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedMission(t, s, "m1", "alice")
	_, _, err := s.Deposit(ctx, "alice", 50, "admin")
	require.NoError(t, err)

	_, err = s.Hold(ctx, "alice", 51, "m1")
	var insufficient domain.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(50), insufficient.Balance)
	assert.Equal(t, int64(51), insufficient.Requested)

	bal, _ := s.Balance(ctx, "alice")
	assert.Equal(t, int64(50), bal)
	hist, err := s.History(ctx, "alice", 0, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestHoldWithoutWalletIsInsufficient(t *testing.T) {
	s := newStore(t)
	seedMission(t, s, "m1", "carol")
	_, err := s.Hold(context.Background(), "carol", 10, "m1")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedMission(t, s, "m1", "alice")
	_, _, err := s.Deposit(ctx, "alice", 0, "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = s.Hold(ctx, "alice", -5, "m1")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = s.Refund(ctx, "alice", 0, "m1")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestDepositCappedAtMaxBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, _, err := s.Deposit(ctx, "alice", ledger.MaxBalance+1, "admin")
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, _, err = s.Deposit(ctx, "alice", ledger.MaxBalance-10, "admin")
	require.NoError(t, err)
	_, _, err = s.Deposit(ctx, "alice", 11, "admin")
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	w, _, err := s.Deposit(ctx, "alice", 10, "admin")
	require.NoError(t, err)
	assert.Equal(t, ledger.MaxBalance, w.Balance)
	assert.Equal(t, ledger.MaxBalance, sumEntries(t, s, "alice"))
	require.NoError(t, s.Verify(ctx, "alice"))
}

func TestRefundCannotExceedEscrow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedMission(t, s, "m1", "alice")
	_, _, err := s.Deposit(ctx, "alice", 100, "admin")
	require.NoError(t, err)
	_, err = s.Hold(ctx, "alice", 40, "m1")
	require.NoError(t, err)

	_, err = s.Refund(ctx, "alice", 41, "m1")
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = s.Refund(ctx, "alice", 40, "m1")
	require.NoError(t, err)
	bal, _ := s.Balance(ctx, "alice")
	assert.Equal(t, int64(100), bal)
}

func TestHistoryPagination(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, _, err := s.Deposit(ctx, "alice", int64(i), "admin")
		require.NoError(t, err)
	}
	page, err := s.History(ctx, "alice", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].Amount)
	next, err := s.History(ctx, "alice", 10, page[1].ID)
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, int64(3), next[0].Amount)
}

func TestEntriesAreAppendOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, e, err := s.Deposit(ctx, "alice", 10, "admin")
	require.NoError(t, err)
	_, err = s.DB.Exec(`UPDATE ledger_entries SET amount=1000 WHERE id=?`, e.ID)
	require.Error(t, err)
	_, err = s.DB.Exec(`DELETE FROM ledger_entries WHERE id=?`, e.ID)
	require.Error(t, err)
}

func TestVerifyDetectsTamperedBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, _, err := s.Deposit(ctx, "alice", 10, "admin")
	require.NoError(t, err)
	_, err = s.DB.Exec(`UPDATE wallets SET balance=11 WHERE user_id='alice'`)
	require.NoError(t, err)

	err = s.Verify(ctx, "alice")
	var integrity domain.LedgerIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(11), integrity.Balance)
	assert.Equal(t, int64(10), integrity.Sum)

	// the next mutation refuses to commit on top of a broken wallet
	_, _, err = s.Deposit(ctx, "alice", 5, "admin")
	require.ErrorIs(t, err, domain.ErrLedgerIntegrity)
	var count int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM ledger_entries WHERE wallet_id='alice'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestConcurrentHoldsDoNotOverdraw(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const n = 10
	for i := 0; i < n; i++ {
		seedMission(t, s, fmt.Sprintf("m%d", i), "alice")
	}
	_, _, err := s.Deposit(ctx, "alice", 55, "admin")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, insufficient := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Hold(ctx, "alice", 10, fmt.Sprintf("m%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, domain.ErrInsufficientFunds):
				insufficient++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
	assert.Equal(t, 5, insufficient)
	bal, _ := s.Balance(ctx, "alice")
	assert.Equal(t, int64(5), bal)
	require.NoError(t, s.Verify(ctx, "alice"))
}

// TestBalanceMatchesEntriesUnderRandomOps drives random operation sequences and
// checks balance == sum(entries) for every wallet after every step.
func TestBalanceMatchesEntriesUnderRandomOps(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	users := []string{"u1", "u2", "u3"}
	const missions = 8
	owner := map[string]string{}
	for i := 0; i < missions; i++ {
		id := fmt.Sprintf("m%d", i)
		owner[id] = users[i%len(users)]
		seedMission(t, s, id, owner[id])
	}
	rng := rand.New(rand.NewSource(42))
	for step := 0; step < 300; step++ {
		u := users[rng.Intn(len(users))]
		m := fmt.Sprintf("m%d", rng.Intn(missions))
		amount := int64(rng.Intn(80) + 1)
		var err error
		switch rng.Intn(4) {
		case 0:
			_, _, err = s.Deposit(ctx, u, amount, "admin")
		case 1:
			_, err = s.Hold(ctx, owner[m], amount, m)
		case 2:
			_, err = s.Refund(ctx, owner[m], amount, m)
		case 3:
			_, err = s.Release(ctx, owner[m], u, amount, m)
		}
		if err != nil {
			require.NotErrorIs(t, err, domain.ErrLedgerIntegrity, "step %d", step)
		}
		for _, id := range users {
			err := s.Verify(ctx, id)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			require.NoError(t, err, "step %d wallet %s", step, id)
			w, err := s.Wallet(ctx, id)
			require.NoError(t, err)
			require.GreaterOrEqual(t, w.Balance, int64(0), "step %d wallet %s", step, id)
		}
	}
	assertConserved(t, s.DB)
}

// assertConserved checks that money only enters through deposits.
func assertConserved(t *testing.T, conn *sql.DB) {
	t.Helper()
	var balances, deposits int64
	require.NoError(t, conn.QueryRow(`SELECT COALESCE(SUM(balance),0) FROM wallets`).Scan(&balances))
	require.NoError(t, conn.QueryRow(`SELECT COALESCE(SUM(amount),0) FROM ledger_entries WHERE kind='deposit'`).Scan(&deposits))
	var escrow int64
	require.NoError(t, conn.QueryRow(`SELECT COALESCE(-SUM(amount),0) FROM ledger_entries WHERE mission_ref IS NOT NULL`).Scan(&escrow))
	assert.Equal(t, deposits, balances+escrow)
}
