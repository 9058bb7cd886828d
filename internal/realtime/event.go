package realtime

import (
	"encoding/json"
	"fmt"

	"missionline/internal/domain"
)

// Kind names a live event. Subscribers filter on it.
type Kind string

const (
	MissionUpdated   Kind = "mission:updated"
	MissionAccepted  Kind = "mission:accepted"
	MissionCompleted Kind = "mission:completed"
	WalletUpdated    Kind = "wallet:updated"
)

// Event is a tagged union: mission kinds carry Mission, wallet:updated carries Wallet.
type Event struct {
	Kind    Kind
	Mission *domain.Mission
	Wallet  *domain.Wallet
}

func MissionEvent(kind Kind, m domain.Mission) Event {
	return Event{Kind: kind, Mission: &m}
}

func WalletEvent(w domain.Wallet) Event {
	return Event{Kind: WalletUpdated, Wallet: &w}
}

type wireEvent struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Kind {
	case MissionUpdated, MissionAccepted, MissionCompleted:
		if e.Mission == nil {
			return nil, fmt.Errorf("%s event without mission", e.Kind)
		}
		data = e.Mission
	case WalletUpdated:
		if e.Wallet == nil {
			return nil, fmt.Errorf("%s event without wallet", e.Kind)
		}
		data = e.Wallet
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Event: e.Kind, Data: raw})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Event {
	case MissionUpdated, MissionAccepted, MissionCompleted:
		var m domain.Mission
		if err := json.Unmarshal(w.Data, &m); err != nil {
			return err
		}
		*e = Event{Kind: w.Event, Mission: &m}
	case WalletUpdated:
		var wl domain.Wallet
		if err := json.Unmarshal(w.Data, &wl); err != nil {
			return err
		}
		*e = Event{Kind: w.Event, Wallet: &wl}
	default:
		return fmt.Errorf("unknown event kind %q", w.Event)
	}
	return nil
}
