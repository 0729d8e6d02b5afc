package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vestline/internal/config"
	"vestline/internal/db"
	"vestline/internal/engine"
	"vestline/internal/migrate"
	"vestline/internal/projection"
)

const testJWTSecret = "test-secret"

var t0 = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

type testServer struct {
	URL      string
	Engine   *engine.Engine
	Consumer *projection.Consumer
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return t0 }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	consumer := projection.New(conn)
	consumer.Now = e.Now
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Engine:   e,
		Consumer: consumer,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func (s *testServer) catchUp(t *testing.T) {
	t.Helper()
	if err := s.Consumer.CatchUp(context.Background()); err != nil {
		t.Fatalf("projection catch up: %v", err)
	}
}

func bearerHeader(t *testing.T, subject string) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
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

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/accounts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q, want unauthorized", envelope.Error.Code)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
}

func TestAccountEarningsFlow(t *testing.T) {
	srv := newTestServer(t)
	auth := bearerHeader(t, "tester")
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", map[string]any{
		"projectManagementId": "pm-1",
		"contributorId":       "alice",
		"currency":            "CAP",
		"accountType":         "OWNERSHIP",
	}, auth)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", createRes.StatusCode, string(data))
	}
	var created AccountResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	if created.AccountID == "" || created.Status != "ACTIVE" {
		t.Fatalf("created = %+v", created)
	}
	srv.catchUp(t)

	earnRes, earnBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/earnings", map[string]any{
		"projectManagementId": "pm-1",
		"tasks": []map[string]any{
			{"taskId": "T-1", "caps": 120, "assigneeIds": []string{"alice"}},
		},
	}, auth)
	if earnRes.StatusCode != http.StatusOK {
		t.Fatalf("earnings status %d: %s", earnRes.StatusCode, string(earnBody))
	}
	var results []engine.ContributorEarnings
	if err := json.Unmarshal(earnBody, &results); err != nil {
		t.Fatalf("unmarshal earnings: %v", err)
	}
	if len(results) != 1 || results[0].Skipped || results[0].TransactionID == "" {
		t.Fatalf("earnings results = %+v", results)
	}
	srv.catchUp(t)

	// Fully vested 30 days after registration.
	at := t0.Add(30 * 24 * time.Hour).Format(time.RFC3339)
	viewRes, viewBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/"+created.AccountID+"?at="+at, nil, auth)
	if viewRes.StatusCode != http.StatusOK {
		t.Fatalf("get account status %d: %s", viewRes.StatusCode, string(viewBody))
	}
	var view AccountViewResponse
	if err := json.Unmarshal(viewBody, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if math.Abs(view.Balance-120) > 1e-6 {
		t.Fatalf("balance = %v, want 120", view.Balance)
	}

	statsRes, statsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/project-managements/pm-1/stats", nil, auth)
	if statsRes.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", statsRes.StatusCode, string(statsBody))
	}
	var stats struct {
		Project struct {
			Ownership struct {
				Currency          string             `json:"currency"`
				ForecastedBalance map[string]float64 `json:"forecastedBalance"`
			} `json:"ownership"`
		} `json:"project"`
	}
	if err := json.Unmarshal(statsBody, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Project.Ownership.Currency != "CAP" || len(stats.Project.Ownership.ForecastedBalance) != 12 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestGetUnknownAccountIs404(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/accounts/ghost", nil, bearerHeader(t, "tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
}
