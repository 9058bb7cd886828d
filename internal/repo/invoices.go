package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"missionline/internal/domain"
)

// InsertInvoice records an invoice; a second invoice for the same mission is ignored.
func (r Repo) InsertInvoice(ctx context.Context, inv domain.Invoice) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO invoices(id, mission_id, requester_id, provider_id, category, amount, currency, created_at) VALUES (?,?,?,?,?,?,?,?)`,
		inv.ID, inv.MissionID, inv.RequesterID, inv.ProviderID, inv.Category, inv.Amount, inv.Currency, inv.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert invoice: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetInvoiceByMission(ctx context.Context, missionID string) (domain.Invoice, error) {
	var inv domain.Invoice
	err := r.DB.QueryRowContext(ctx, `SELECT id, mission_id, requester_id, provider_id, category, amount, currency, created_at FROM invoices WHERE mission_id=?`, missionID).
		Scan(&inv.ID, &inv.MissionID, &inv.RequesterID, &inv.ProviderID, &inv.Category, &inv.Amount, &inv.Currency, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return inv, ErrNotFound
	}
	return inv, err
}
