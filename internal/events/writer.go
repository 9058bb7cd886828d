package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types appended alongside state changes.
const (
	MissionCreated   = "mission.created"
	MissionAccepted  = "mission.accepted"
	MissionStarted   = "mission.started"
	MissionCompleted = "mission.completed"
	MissionValidated = "mission.validated"
	MissionCancelled = "mission.cancelled"
	MissionDisputed  = "mission.disputed"
	MissionResolved  = "mission.resolved"
	WalletDeposited  = "wallet.deposited"
	UserRoleGranted  = "user.role.granted"
	UserRoleRevoked  = "user.role.revoked"
	APIKeyCreated    = "api_key.created"
	APIKeyRevoked    = "api_key.revoked"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an audit row inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
