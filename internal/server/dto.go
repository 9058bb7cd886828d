package server

import (
	"encoding/json"

	"missionline/internal/domain"
)

// Request payloads

type CreateMissionRequest struct {
	Category        string `json:"category" example:"plumbing"`
	Description     string `json:"description,omitempty"`
	Address         string `json:"address,omitempty"`
	ScheduledFor    string `json:"scheduled_for,omitempty" format:"date-time"`
	EstimatedAmount int64  `json:"estimated_amount" minimum:"1" example:"120"`
}

type CompleteMissionRequest struct {
	FinalAmount *int64 `json:"final_amount,omitempty" minimum:"1"`
}

type ValidateMissionRequest struct {
	Rating int `json:"rating" minimum:"1" maximum:"5"`
}

type DisputeMissionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResolveDisputeRequest struct {
	ProviderAmount int64 `json:"provider_amount" minimum:"0"`
}

type DepositRequest struct {
	Amount int64 `json:"amount" minimum:"1"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Responses

type MissionResponse struct {
	ID              string  `json:"id"`
	RequesterID     string  `json:"requester_id"`
	ProviderID      *string `json:"provider_id,omitempty"`
	Category        string  `json:"category"`
	Description     string  `json:"description,omitempty"`
	Address         string  `json:"address,omitempty"`
	ScheduledFor    string  `json:"scheduled_for,omitempty" format:"date-time"`
	Status          string  `json:"status" enum:"pending,accepted,in_progress,completed,validated,cancelled,disputed"`
	EstimatedAmount int64   `json:"estimated_amount"`
	FinalAmount     *int64  `json:"final_amount,omitempty"`
	Currency        string  `json:"currency"`
	Rating          *int    `json:"rating,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type WalletResponse struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Currency  string `json:"currency"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type LedgerEntryResponse struct {
	ID         int64  `json:"id"`
	Amount     int64  `json:"amount"`
	Kind       string `json:"kind" enum:"escrow-hold,release-credit,refund,deposit"`
	MissionRef string `json:"mission_ref,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type WalletViewResponse struct {
	Wallet     WalletResponse        `json:"wallet"`
	History    []LedgerEntryResponse `json:"history"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type UserResponse struct {
	ID          string   `json:"id"`
	RatingAvg   float64  `json:"rating_avg"`
	RatingCount int      `json:"rating_count"`
	Roles       []string `json:"roles"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	Source string   `json:"source"`
}

type InvoiceResponse struct {
	ID          string `json:"id"`
	MissionID   string `json:"mission_id"`
	RequesterID string `json:"requester_id"`
	ProviderID  string `json:"provider_id"`
	Category    string `json:"category"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedMissions struct {
	Items      []MissionResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse{
		ID:              m.ID,
		RequesterID:     m.RequesterID,
		ProviderID:      m.ProviderID,
		Category:        m.Category,
		Description:     m.Description,
		Address:         m.Address,
		ScheduledFor:    m.ScheduledFor,
		Status:          string(m.Status),
		EstimatedAmount: m.EstimatedAmount,
		FinalAmount:     m.FinalAmount,
		Currency:        m.Currency,
		Rating:          m.Rating,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func mapMissions(items []domain.Mission) []MissionResponse {
	out := make([]MissionResponse, 0, len(items))
	for _, m := range items {
		out = append(out, missionResponse(m))
	}
	return out
}

func walletResponse(w domain.Wallet) WalletResponse {
	return WalletResponse{UserID: w.UserID, Balance: w.Balance, Currency: w.Currency, UpdatedAt: w.UpdatedAt}
}

func ledgerEntryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:         e.ID,
		Amount:     e.Amount,
		Kind:       string(e.Kind),
		MissionRef: stringOrEmpty(e.MissionRef),
		CreatedAt:  e.CreatedAt,
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		RatingAvg:   u.RatingAvg,
		RatingCount: u.RatingCount,
		Roles:       nonNilSlice(u.Roles),
		CreatedAt:   u.CreatedAt,
	}
}

func invoiceResponse(inv domain.Invoice) InvoiceResponse {
	return InvoiceResponse(inv)
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, UserID: k.UserID, Name: k.Name, Key: plaintext, CreatedAt: k.CreatedAt}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
