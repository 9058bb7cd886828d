package repo_test

import (
	"context"
	"testing"

	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

func TestUpdateMissionKeepsFinalAmountWithSettledStatus(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	const ts = "2024-01-01T00:00:00Z"

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.EnsureUser(ctx, tx, "alice", ts); err != nil {
		t.Fatal(err)
	}
	m := domain.Mission{ID: "m1", RequesterID: "alice", Category: "plumbing", Status: domain.StatusPending,
		EstimatedAmount: 50, Currency: "EUR", CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertMission(ctx, tx, m); err != nil {
		t.Fatal(err)
	}

	final := int64(50)
	bad := []domain.Mission{m, m}
	bad[0].Status = domain.StatusCompleted
	bad[1].FinalAmount = &final
	for _, b := range bad {
		if err := r.UpdateMission(ctx, tx, b); err == nil {
			t.Fatalf("status %s with final_amount %v accepted", b.Status, b.FinalAmount)
		}
	}

	m.Status = domain.StatusCompleted
	m.FinalAmount = &final
	if err := r.UpdateMission(ctx, tx, m); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetMissionTx(ctx, tx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted || got.FinalAmount == nil || *got.FinalAmount != 50 {
		t.Fatalf("unexpected mission %+v", got)
	}
}
