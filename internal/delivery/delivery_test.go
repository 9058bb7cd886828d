package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/config"
	"missionline/internal/domain"
)

func TestNewWithoutHooksIsNop(t *testing.T) {
	_, ok := New(config.Default(), nil).(Nop)
	assert.True(t, ok)

	off := false
	cfg := config.Default()
	cfg.Delivery.Webhooks = []config.WebhookConfig{{URL: "http://example.invalid", Enabled: &off}}
	_, ok = New(cfg, nil).(Nop)
	assert.True(t, ok)
}

func TestWebhooksPostMatchingEvents(t *testing.T) {
	var mu sync.Mutex
	var got []Notification
	var headers []http.Header
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, n)
		headers = append(headers, r.Header.Clone())
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewWebhooks([]config.WebhookConfig{
		{URL: srv.URL, Secret: "s3cret"},
		{URL: srv.URL, Events: []string{"mission.completed"}},
	}, srv.Client(), nil)

	n := Notification{Type: "mission.accepted", Recipients: []string{"alice"}, Mission: domain.Mission{ID: "m1"}}
	require.NoError(t, d.Deliver(context.Background(), n))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "filtered hook must not fire")
	assert.Equal(t, "m1", got[0].Mission.ID)
	assert.Equal(t, "mission.accepted", headers[0].Get("X-Missionline-Event"))
	assert.Empty(t, headers[0].Get("X-Missionline-Secret"), "secret must never travel in clear")
	assert.Equal(t, Sign("s3cret", bodies[0]), headers[0].Get("X-Missionline-Signature"))
	assert.NotEmpty(t, headers[0].Get("X-Missionline-Delivery"))
}

func TestSignIsHMACSHA256(t *testing.T) {
	// Known vector: HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog").
	assert.Equal(t, "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign("key", []byte("The quick brown fox jumps over the lazy dog")))
}

func TestWebhooksReportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	d := NewWebhooks([]config.WebhookConfig{{URL: srv.URL}}, srv.Client(), nil)
	err := d.Deliver(context.Background(), Notification{Type: "mission.started"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
