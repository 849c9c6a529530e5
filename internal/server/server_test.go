package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"workvault/internal/audit"
	"workvault/internal/health"
	"workvault/internal/vault"
)

type testServer struct {
	URL    string
	Vault  *vault.Vault
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	v := vault.Open(t.TempDir())
	if err := v.EnsureLayout(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}
	handler, err := New(Config{
		Vault:           v,
		Audit:           audit.New(filepath.Join(v.Root, vault.Logs)),
		HealthThreshold: 5 * time.Minute,
		BasePath:        "/v0",
		Auth:            auth,
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
		Vault:  v,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
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

func TestStatusAndItems(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	it := vault.Item{
		Name:   "EMAIL_20260310T090000Z_Quote.md",
		Header: vault.Header{Type: "email", Source: "gmail", Created: "2026-03-10T09:00:00Z"},
		Body:   "Need a quote.\n",
	}
	if err := srv.Vault.Create(vault.NeedsAction, it); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.BucketCounts["Needs_Action"] != 1 {
		t.Fatalf("counts = %v", status.BucketCounts)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/buckets/needs_action/items", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list items: %d %s", res.StatusCode, string(data))
	}
	var list ItemListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Name != it.Name {
		t.Fatalf("items = %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/buckets/needs_action/items/"+it.Name, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get item: %d %s", res.StatusCode, string(data))
	}
	var full ItemResponse
	if err := json.Unmarshal(data, &full); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if full.Body != "Need a quote.\n" {
		t.Fatalf("item body = %q", full.Body)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/buckets/needs_action/items/missing.md", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing item: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/buckets/secrets/items", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown bucket: %d %s", res.StatusCode, string(data))
	}
}

func TestApproveMovesItem(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	req := vault.Item{
		Name:   "APPROVAL_send_email_x.md",
		Header: vault.Header{Type: "approval_request", Action: "send_email"},
	}
	if err := srv.Vault.Create(vault.PendingApproval, req); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+req.Name+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var decision DecisionResponse
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decision.Decision != "approved" {
		t.Fatalf("decision = %+v", decision)
	}
	if _, err := srv.Vault.Read(vault.Approved, req.Name); err != nil {
		t.Fatalf("item not in Approved: %v", err)
	}

	// Deciding the same item twice is a 404: it is no longer pending.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+req.Name+"/reject", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second decision: %d %s", res.StatusCode, string(data))
	}
}

func TestAgents(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	if err := health.Publish(filepath.Join(srv.Vault.Root, vault.Signals), health.Record{
		AgentID: "cloud-1", Role: "cloud", Status: "running",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/agents", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("agents: %d %s", res.StatusCode, string(data))
	}
	var agents []AgentResponse
	if err := json.Unmarshal(data, &agents); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "cloud-1" || agents[0].Classification != "online" {
		t.Fatalf("agents = %+v", agents)
	}
}

func TestAuthRequired(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	// Health is open.
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}

	// Everything else requires a bearer token.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"Authorization": "Bearer nonsense"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", res.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "dashboard",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token: %d %s", res.StatusCode, string(data))
	}
}
