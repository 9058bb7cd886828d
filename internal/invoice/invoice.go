// Package invoice generates an invoice record for every completed mission.
package invoice

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/repo"
)

// Request carries what an invoice needs from a completed mission.
type Request struct {
	MissionID   string
	RequesterID string
	ProviderID  string
	Category    string
	FinalAmount int64
	Currency    string
}

type Generator interface {
	Generate(ctx context.Context, req Request) error
}

// Store persists one invoice row per mission. Repeated requests are no-ops.
type Store struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger *slog.Logger
}

func NewStore(r repo.Repo, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Repo: r, Now: time.Now, Logger: logger}
}

func (s *Store) Generate(ctx context.Context, req Request) error {
	if req.MissionID == "" || req.ProviderID == "" {
		return errors.New("invoice needs a mission and a provider")
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	inv := domain.Invoice{
		ID:          uuid.NewString(),
		MissionID:   req.MissionID,
		RequesterID: req.RequesterID,
		ProviderID:  req.ProviderID,
		Category:    req.Category,
		Amount:      req.FinalAmount,
		Currency:    req.Currency,
		CreatedAt:   now().UTC().Format(time.RFC3339),
	}
	created, err := s.Repo.InsertInvoice(ctx, inv)
	if err != nil {
		return err
	}
	if created {
		s.Logger.Info("invoice generated", "invoice_id", inv.ID, "mission_id", inv.MissionID, "amount", inv.Amount)
	}
	return nil
}

func (s *Store) ForMission(ctx context.Context, missionID string) (domain.Invoice, error) {
	return s.Repo.GetInvoiceByMission(ctx, missionID)
}
