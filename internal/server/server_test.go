package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/migrate"
	missionlinesdk "missionline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := signDevToken(testSecret, userID, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (s *testServer) sdk(t *testing.T, userID string) *missionlinesdk.Client {
	t.Helper()
	c := missionlinesdk.New(s.URL)
	c.BearerToken = s.token(t, userID)
	return c
}

func newTestServer(t *testing.T, tune func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	if tune != nil {
		tune(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, nil)
	if err := e.GrantRole(context.Background(), "root", auth.RoleAdmin, "bootstrap"); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, EnableDevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			e.Registry.CloseAll()
			srv.Shutdown(context.Background())
			ln.Close()
			e.Drain()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	ctx := context.Background()
	admin, alice, bob := srv.sdk(t, "root"), srv.sdk(t, "alice"), srv.sdk(t, "bob")

	if _, err := admin.Deposit(ctx, "alice", 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	m, err := alice.CreateMission(ctx, missionlinesdk.CreateMission{Category: "plumbing", Description: "leak", EstimatedAmount: 120})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != "pending" || m.Currency != "EUR" {
		t.Fatalf("unexpected mission: %+v", m)
	}
	open, err := bob.ListMissions(ctx, "open", "")
	if err != nil || len(open) != 1 || open[0].ID != m.ID {
		t.Fatalf("open missions: %v %+v", err, open)
	}
	if _, err := bob.Accept(ctx, m.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := bob.Start(ctx, m.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	final := int64(150)
	m, err = bob.Complete(ctx, m.ID, &final)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m.Status != "completed" || m.FinalAmount == nil || *m.FinalAmount != 150 {
		t.Fatalf("unexpected completed mission: %+v", m)
	}
	m, err = alice.Validate(ctx, m.ID, 5)
	if err != nil || m.Status != "validated" {
		t.Fatalf("validate: %v", err)
	}

	view, err := alice.Wallet(ctx, 10)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if view.Wallet.Balance != 350 {
		t.Fatalf("requester balance = %d, want 350", view.Wallet.Balance)
	}
	kinds := make([]string, 0, len(view.History))
	for _, en := range view.History {
		kinds = append(kinds, en.Kind)
	}
	if strings.Join(kinds, ",") != "escrow-hold,escrow-hold,deposit" {
		t.Fatalf("unexpected history: %v", kinds)
	}
	bobView, err := bob.Wallet(ctx, 10)
	if err != nil || bobView.Wallet.Balance != 150 {
		t.Fatalf("provider wallet: %v %+v", err, bobView.Wallet)
	}

	srv.Engine.Drain()
	inv, err := alice.Invoice(ctx, m.ID)
	if err != nil || inv.Amount != 150 {
		t.Fatalf("invoice: %v %+v", err, inv)
	}

	if _, err := srv.sdk(t, "mallory").GetMission(ctx, m.ID); missionlinesdk.ErrorCode(err) != "forbidden" {
		t.Fatalf("outsider read mission: %v", err)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	ctx := context.Background()
	client := srv.Client()
	alice := srv.sdk(t, "alice")
	if _, err := srv.sdk(t, "root").Deposit(ctx, "alice", 100); err != nil {
		t.Fatal(err)
	}
	m, err := alice.CreateMission(ctx, missionlinesdk.CreateMission{Category: "cleaning", EstimatedAmount: 60})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		code   string
	}{
		{"skip state", http.MethodPost, "/v0/missions/" + m.ID + "/start", "bob", map[string]any{}, http.StatusConflict, "invalid_transition"},
		{"over balance", http.MethodPost, "/v0/missions", "alice", map[string]any{"category": "cleaning", "estimated_amount": 41}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"unknown mission", http.MethodGet, "/v0/missions/nope", "alice", nil, http.StatusNotFound, "not_found"},
		{"deposit needs admin", http.MethodPost, "/v0/users/alice/deposits", "alice", map[string]any{"amount": 10}, http.StatusForbidden, "forbidden"},
		{"resolve without dispute", http.MethodPost, "/v0/missions/" + m.ID + "/resolve", "alice", map[string]any{"provider_amount": 0}, http.StatusConflict, "invalid_transition"},
		{"unknown category", http.MethodPost, "/v0/missions", "alice", map[string]any{"category": "astrology", "estimated_amount": 5}, http.StatusBadRequest, "bad_request"},
		{"deposit over cap", http.MethodPost, "/v0/users/alice/deposits", "root", map[string]any{"amount": int64(2_000_000_000_000)}, http.StatusBadRequest, "invalid_amount"},
		{"no credentials", http.MethodGet, "/v0/wallet", "", nil, http.StatusUnauthorized, "unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var headers map[string]string
			if tc.user != "" {
				headers = bearer(srv.token(t, tc.user))
			}
			res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body, headers)
			if res.StatusCode != tc.status {
				t.Fatalf("status %d, want %d: %s", res.StatusCode, tc.status, string(data))
			}
			if got := errorCode(t, data); got != tc.code {
				t.Fatalf("code %q, want %q", got, tc.code)
			}
		})
	}

	view, err := alice.Wallet(ctx, 1)
	if err != nil || view.Wallet.Balance != 40 {
		t.Fatalf("rejected requests moved money: %v %+v", err, view.Wallet)
	}
}

func TestDisputeResolutionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	ctx := context.Background()
	admin, alice, bob := srv.sdk(t, "root"), srv.sdk(t, "alice"), srv.sdk(t, "bob")
	if _, err := admin.Deposit(ctx, "alice", 200); err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/users/judge/roles/mediator", nil, bearer(srv.token(t, "root")))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant mediator: %d %s", res.StatusCode, string(data))
	}
	m, err := alice.CreateMission(ctx, missionlinesdk.CreateMission{Category: "moving", EstimatedAmount: 100})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Accept(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Dispute(ctx, m.ID, "provider unreachable"); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Start(ctx, m.ID); missionlinesdk.ErrorCode(err) != "invalid_transition" {
		t.Fatalf("disputed mission started: %v", err)
	}
	if _, err := alice.Resolve(ctx, m.ID, 0); missionlinesdk.ErrorCode(err) != "forbidden" {
		t.Fatalf("party resolved own dispute: %v", err)
	}
	m, err = srv.sdk(t, "judge").Resolve(ctx, m.ID, 0)
	if err != nil || m.Status != "cancelled" {
		t.Fatalf("resolve: %v %+v", err, m)
	}
	view, err := alice.Wallet(ctx, 5)
	if err != nil || view.Wallet.Balance != 200 {
		t.Fatalf("refund not applied: %v %+v", err, view.Wallet)
	}
}

func TestLiveWebsocketDeliversToEveryChannel(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	alice, bob := srv.sdk(t, "alice"), srv.sdk(t, "bob")
	if _, err := srv.sdk(t, "root").Deposit(ctx, "alice", 100); err != nil {
		t.Fatal(err)
	}
	m, err := alice.CreateMission(ctx, missionlinesdk.CreateMission{Category: "gardening", EstimatedAmount: 30})
	if err != nil {
		t.Fatal(err)
	}

	phone, err := alice.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe phone: %v", err)
	}
	laptop, err := alice.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe laptop: %v", err)
	}
	if _, err := bob.Accept(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	for name, ch := range map[string]<-chan missionlinesdk.LiveEvent{"phone": phone, "laptop": laptop} {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("%s: channel closed", name)
			}
			if ev.Event != "mission:accepted" {
				t.Fatalf("%s: got %s", name, ev.Event)
			}
			got, err := ev.Mission()
			if err != nil || got.ID != m.ID || got.Status != "accepted" {
				t.Fatalf("%s: payload %v %+v", name, err, got)
			}
		case <-ctx.Done():
			t.Fatalf("%s: no event", name)
		}
	}
}

func TestLiveStreamSSE(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/live/stream?access_token="+srv.token(t, "alice"), nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || !strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("stream status %d %s", res.StatusCode, res.Header.Get("Content-Type"))
	}
	reader := bufio.NewReader(res.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("missing preamble: %q %v", line, err)
	}

	if _, err := srv.sdk(t, "root").Deposit(ctx, "alice", 75); err != nil {
		t.Fatal(err)
	}
	var event, data string
	for event == "" || data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if event != "wallet:updated" {
		t.Fatalf("event %q", event)
	}
	var payload struct {
		Event string `json:"event"`
		Data  struct {
			Balance int64 `json:"balance"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.Data.Balance != 75 {
		t.Fatalf("payload %s: %v", data, err)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *config.Config) {
		c.Limits.RequestsPerSecond = 0.001
		c.Limits.Burst = 2
	})
	defer cleanup()
	aliceHeaders := bearer(srv.token(t, "alice"))
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, aliceHeaders)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d: %d %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, aliceHeaders)
	if res.StatusCode != http.StatusTooManyRequests || errorCode(t, data) != "rate_limited" {
		t.Fatalf("expected rate limit, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer(srv.token(t, "bob")))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("other user throttled: %d", res.StatusCode)
	}
}

func TestDevLoginAndAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"user_id": "carol"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("decode login: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users/carol/api-keys", map[string]any{"name": "cli"}, bearer(login.Token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("decode key: %v %s", err, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil || who.UserID != "carol" || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v %v", who, err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/users/dave/api-keys", map[string]any{}, bearer(login.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("minted key for another user: %d", res.StatusCode)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	for _, p := range []string{"/v0/health", "/metrics", "/v0/openapi.json"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+p, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", p, res.StatusCode, string(data))
		}
	}
}
