package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	RoleAdmin    = "admin"
	RoleMediator = "mediator"
)

// ForbiddenError indicates a missing role.
type ForbiddenError struct {
	Action string
	Roles  []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s requires role %s", e.Action, strings.Join(e.Roles, " or "))
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Service provides role checks backed by SQL. Admin satisfies every role.
type Service struct {
	DB *sql.DB
}

// HasRole reads through tx when non-nil, otherwise through the pool.
func (s Service) HasRole(ctx context.Context, tx *sql.Tx, userID string, roles ...string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	want := append([]string{RoleAdmin}, roles...)
	args := make([]any, 0, len(want)+1)
	args = append(args, userID)
	for _, r := range want {
		args = append(args, r)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(want)), ",")
	var n int
	err := s.q(tx).QueryRowContext(ctx, `SELECT 1 FROM user_roles WHERE user_id=? AND role IN (`+placeholders+`) LIMIT 1`, args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError unless userID holds one of roles.
func (s Service) Require(ctx context.Context, tx *sql.Tx, userID, action string, roles ...string) error {
	ok, err := s.HasRole(ctx, tx, userID, roles...)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Action: action, Roles: append([]string{RoleAdmin}, roles...)}
	}
	return nil
}

func (s Service) UserRoles(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}
