package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ticketflow/internal/domain"
	"ticketflow/internal/enrich"
	"ticketflow/internal/hub"
	"ticketflow/internal/ticket"
)

type stubAgent struct{}

func (stubAgent) Ready() error { return nil }
func (stubAgent) Invoke(ctx context.Context, task enrich.Task) (enrich.Acknowledgement, error) {
	return enrich.Acknowledgement{SessionID: "sess-1"}, nil
}

// logBuffer is safe for the handler goroutines to write while a test reads.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testServer struct {
	URL    string
	Store  *ticket.Store
	Hub    *hub.Hub
	Orch   *enrich.Orchestrator
	Logs   *logBuffer
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	store, err := ticket.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	h := hub.New()
	orch := enrich.New(enrich.Options{
		Store:          store,
		Agent:          stubAgent{},
		RetryDelay:     time.Millisecond,
		ReconcileAfter: time.Hour,
	})
	logs := &logBuffer{}
	handler, err := New(Config{
		Store:        store,
		Hub:          h,
		Orchestrator: orch,
		BasePath:     "/api/v1",
		Auth:         auth,
		Logger:       log.New(logs, "", 0),
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  store,
		Hub:    h,
		Orch:   orch,
		Logs:   logs,
		client: &http.Client{},
		close: func() {
			orch.Shutdown()
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/api/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestTicketCRUDOverHTTP(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	base := ts.URL + "/api/v1"

	resp, body := doJSON(t, ts.Client(), http.MethodPost, base+"/tickets",
		map[string]any{"title": "Fix login", "priority": "high"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}
	var created TicketResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "TKT-001" || created.Status != "backlog" || created.Priority != "high" {
		t.Fatalf("got %+v", created)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodGet, base+"/tickets/TKT-001", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodPatch, base+"/tickets/TKT-001",
		map[string]any{"status": "todo"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", resp.StatusCode, body)
	}
	var updated TicketResponse
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Status != "todo" {
		t.Fatalf("got %+v", updated)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodGet, base+"/tickets?status=todo", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", resp.StatusCode, body)
	}
	var list []TicketResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != "TKT-001" {
		t.Fatalf("got %+v", list)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodDelete, base+"/tickets/TKT-001", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, ts.Client(), http.MethodGet, base+"/tickets/TKT-001", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d after delete", resp.StatusCode)
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/api/v1/tickets/TKT-404", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "not_found" || envelope.Error.Message == "" {
		t.Fatalf("got %s", body)
	}
}

func TestCreateValidation(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	base := ts.URL + "/api/v1"
	resp, _ := doJSON(t, ts.Client(), http.MethodPost, base+"/tickets",
		map[string]any{"title": "T", "priority": "urgent"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts.Client(), http.MethodPost, base+"/tickets",
		map[string]any{"title": "T", "status": "archived"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestEnrichmentEndpoints(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	base := ts.URL + "/api/v1"

	resp, body := doJSON(t, ts.Client(), http.MethodPost, base+"/tickets",
		map[string]any{"title": "Sparse"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodPost, base+"/tickets/TKT-001/enrich", nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("trigger status %d: %s", resp.StatusCode, body)
	}
	ts.Orch.Wait()

	resp, body = doJSON(t, ts.Client(), http.MethodGet, base+"/enrichment/sessions", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions status %d: %s", resp.StatusCode, body)
	}
	var sessions []SessionResponse
	if err := json.Unmarshal(body, &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 1 || sessions[0].TicketID != "TKT-001" {
		t.Fatalf("got %+v", sessions)
	}

	// Re-triggering while in flight conflicts.
	resp, _ = doJSON(t, ts.Client(), http.MethodPost, base+"/tickets/TKT-001/enrich", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d", resp.StatusCode)
	}

	resp, body = doJSON(t, ts.Client(), http.MethodPost, base+"/tickets/TKT-001/enrich/complete", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, ts.Client(), http.MethodGet, base+"/tickets/TKT-001", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	var tk TicketResponse
	if err := json.Unmarshal(body, &tk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tk.Enrichment == nil || tk.Enrichment.Status != "complete" {
		t.Fatalf("got %+v", tk.Enrichment)
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	secret := "test-secret"
	ts := newTestServer(t, AuthConfig{JWTSecret: secret})
	base := ts.URL + "/api/v1"

	// Health stays open.
	resp, _ := doJSON(t, ts.Client(), http.MethodGet, base+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, base+"/tickets", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", resp.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, body := doJSON(t, ts.Client(), http.MethodGet, base+"/tickets", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, base+"/tickets", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", resp.StatusCode)
	}
}

func TestStreamWatchesMultipleTickets(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	for _, title := range []string{"First", "Second"} {
		if _, err := ts.Store.Create(ctx, ticket.CreateInput{Title: title}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		ts.URL+"/api/v1/events?ticket_id=TKT-001,TKT-002", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	waitSSE := func(event string) {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("waiting for %s event: %v", event, err)
			}
			if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "event:"); ok {
				if strings.TrimSpace(rest) == event {
					return
				}
			}
		}
	}

	// Snapshot first; receiving it proves the subscription is registered.
	waitSSE("snapshot")

	tk, err := ts.Store.Get(ctx, "TKT-002")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ts.Hub.Publish(domain.Event{Kind: domain.EventUpdated, Ticket: &tk})
	waitSSE("updated")
}

func TestMutatingRequestsAreAuditLogged(t *testing.T) {
	secret := "test-secret"
	ts := newTestServer(t, AuthConfig{JWTSecret: secret})
	base := ts.URL + "/api/v1"

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "carol",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + signed}

	resp, body := doJSON(t, ts.Client(), http.MethodPost, base+"/tickets",
		map[string]any{"title": "Audit me"}, auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(ts.Logs.String(), "POST /api/v1/tickets actor=carol") {
		t.Fatalf("create not audited: %q", ts.Logs.String())
	}

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, base+"/tickets/TKT-001", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	if strings.Contains(ts.Logs.String(), "GET /api/v1/tickets") {
		t.Fatalf("read request audited: %q", ts.Logs.String())
	}
}

func TestAuditLogsAnonymousWhenAuthDisabled(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/api/v1/tickets",
		map[string]any{"title": "Open workspace"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(ts.Logs.String(), "POST /api/v1/tickets actor=anonymous") {
		t.Fatalf("anonymous create not audited: %q", ts.Logs.String())
	}
}
