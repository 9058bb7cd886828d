package domain

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	StatusPending    MissionStatus = "pending"
	StatusAccepted   MissionStatus = "accepted"
	StatusInProgress MissionStatus = "in_progress"
	StatusCompleted  MissionStatus = "completed"
	StatusValidated  MissionStatus = "validated"
	StatusCancelled  MissionStatus = "cancelled"
	StatusDisputed   MissionStatus = "disputed"
)

// Terminal reports whether no further transition is possible.
func (s MissionStatus) Terminal() bool {
	return s == StatusValidated || s == StatusCancelled
}

// Settled reports whether final_amount must be set for the status.
func (s MissionStatus) Settled() bool {
	return s == StatusCompleted || s == StatusValidated
}

type Mission struct {
	ID              string        `json:"id"`
	RequesterID     string        `json:"requester_id"`
	ProviderID      *string       `json:"provider_id,omitempty"`
	Category        string        `json:"category"`
	Description     string        `json:"description,omitempty"`
	Address         string        `json:"address,omitempty"`
	ScheduledFor    string        `json:"scheduled_for,omitempty" format:"date-time"`
	Status          MissionStatus `json:"status" enum:"pending,accepted,in_progress,completed,validated,cancelled,disputed"`
	EstimatedAmount int64         `json:"estimated_amount"`
	FinalAmount     *int64        `json:"final_amount,omitempty"`
	Currency        string        `json:"currency"`
	Rating          *int          `json:"rating,omitempty"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
	UpdatedAt       string        `json:"updated_at" format:"date-time"`
}

// IsParty reports whether userID is the requester or the assigned provider.
func (m Mission) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	return m.RequesterID == userID || m.IsProvider(userID)
}

// IsProvider reports whether userID is the assigned provider.
func (m Mission) IsProvider(userID string) bool {
	return m.ProviderID != nil && *m.ProviderID == userID
}

// Parties returns the requester and, once assigned, the provider.
func (m Mission) Parties() []string {
	out := []string{m.RequesterID}
	if m.ProviderID != nil && *m.ProviderID != m.RequesterID {
		out = append(out, *m.ProviderID)
	}
	return out
}

type Wallet struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Currency  string `json:"currency"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryEscrowHold    EntryKind = "escrow-hold"
	EntryReleaseCredit EntryKind = "release-credit"
	EntryRefund        EntryKind = "refund"
	EntryDeposit       EntryKind = "deposit"
)

type LedgerEntry struct {
	ID         int64     `json:"id"`
	WalletID   string    `json:"wallet_id"`
	Amount     int64     `json:"amount"`
	Kind       EntryKind `json:"kind" enum:"escrow-hold,release-credit,refund,deposit"`
	MissionRef *string   `json:"mission_ref,omitempty"`
	CreatedAt  string    `json:"created_at" format:"date-time"`
}

type User struct {
	ID          string   `json:"id"`
	RatingAvg   float64  `json:"rating_avg"`
	RatingCount int      `json:"rating_count"`
	Roles       []string `json:"roles,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type Rating struct {
	MissionID   string `json:"mission_id"`
	ProviderID  string `json:"provider_id"`
	RequesterID string `json:"requester_id"`
	Score       int    `json:"score"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Invoice struct {
	ID          string `json:"id"`
	MissionID   string `json:"mission_id"`
	RequesterID string `json:"requester_id"`
	ProviderID  string `json:"provider_id"`
	Category    string `json:"category"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}
