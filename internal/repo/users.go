package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"missionline/internal/domain"
)

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID string, now string) error {
	if userID == "" {
		return errors.New("user_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

func (r Repo) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id, rating_avg, rating_count, created_at FROM users WHERE id=?`, userID).
		Scan(&u.ID, &u.RatingAvg, &u.RatingCount, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	roles, err := userRoles(ctx, r.DB, userID)
	if err != nil {
		return u, err
	}
	u.Roles = roles
	return u, nil
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	if err := r.EnsureUser(ctx, tx, userID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role) VALUES (?,?)`, userID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role=?`, userID, role)
	return err
}

func userRoles(ctx context.Context, q querier, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// InsertRating stores a rating and recomputes the provider's average over every rating received.
func (r Repo) InsertRating(ctx context.Context, tx *sql.Tx, rt domain.Rating) (float64, int, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO ratings(mission_id, provider_id, requester_id, score, created_at) VALUES (?,?,?,?,?)`,
		rt.MissionID, rt.ProviderID, rt.RequesterID, rt.Score, rt.CreatedAt); err != nil {
		return 0, 0, fmt.Errorf("insert rating: %w", err)
	}
	var avg float64
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(AVG(score),0), COUNT(*) FROM ratings WHERE provider_id=?`, rt.ProviderID).
		Scan(&avg, &count); err != nil {
		return 0, 0, fmt.Errorf("aggregate ratings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET rating_avg=?, rating_count=? WHERE id=?`, avg, count, rt.ProviderID); err != nil {
		return 0, 0, fmt.Errorf("update provider rating: %w", err)
	}
	return avg, count, nil
}
