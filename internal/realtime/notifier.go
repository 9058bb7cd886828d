package realtime

import (
	"log/slog"

	"missionline/internal/metrics"
)

// Notifier delivers events to every live channel of a user, at most once and
// without blocking. A closed channel is reaped; a channel whose buffer is
// full is treated as a stalled consumer and evicted so it reconnects and
// re-syncs from the stores.
type Notifier struct {
	Registry *Registry
	Logger   *slog.Logger
}

func NewNotifier(reg *Registry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{Registry: reg, Logger: logger}
}

// Publish returns the number of channels the event was queued on.
func (n *Notifier) Publish(userID string, ev Event) int {
	if n == nil || n.Registry == nil {
		return 0
	}
	delivered := 0
	for _, ch := range n.Registry.ChannelsFor(userID) {
		switch ch.offer(ev) {
		case offerSent:
			delivered++
			metrics.FanoutDelivered.Inc()
		case offerFull:
			metrics.FanoutDropped.WithLabelValues("full").Inc()
			n.Logger.Warn("live channel stalled, evicting", "user_id", userID, "channel_id", ch.ID, "event", ev.Kind)
			n.Registry.Unregister(userID, ch)
		case offerClosed:
			metrics.FanoutDropped.WithLabelValues("closed").Inc()
			n.Registry.Unregister(userID, ch)
		}
	}
	return delivered
}

// PublishAll publishes ev to each distinct user in userIDs.
func (n *Notifier) PublishAll(userIDs []string, ev Event) int {
	seen := make(map[string]struct{}, len(userIDs))
	total := 0
	for _, id := range userIDs {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		total += n.Publish(id, ev)
	}
	return total
}
