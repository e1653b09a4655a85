package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"navigatorbot/internal/access"
	"navigatorbot/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testService(t *testing.T) *access.Service {
	t.Helper()
	store, err := access.OpenStore(filepath.Join(t.TempDir(), "access.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return access.NewService(store, access.Options{
		Plan:   access.Plan{Requests: 70, Days: 30, Price: 1500},
		Logger: testLogger(),
	})
}

type failingIssuer struct{}

func (failingIssuer) IssueCode(context.Context, string) (string, error) {
	return "", errors.New("database is locked")
}
func (failingIssuer) Plan() access.Plan { return access.Plan{Requests: 1, Days: 1} }

func post(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/issue_paid_code", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["service"] != "navigatorbot" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestIssueCode_Success(t *testing.T) {
	svc := testService(t)
	s := New(Config{PaymentSecret: "s3cret", Issuer: svc, Logger: testLogger()})
	before := metrics.CodesIssued.Value()

	rr := post(t, s, `{"secret":"s3cret","note":"bothelp"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp IssueCodeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Code) != 10 || resp.LimitRequests != 70 || resp.DaysValid != 30 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if metrics.CodesIssued.Value() != before+1 {
		t.Error("codes issued counter not incremented")
	}

	codes, err := svc.ListCodes(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != 1 || codes[0].Code != resp.Code || codes[0].Note != "bothelp" {
		t.Errorf("issued code not stored: %+v", codes)
	}
}

func TestIssueCode_DefaultNote(t *testing.T) {
	svc := testService(t)
	s := New(Config{PaymentSecret: "s3cret", Issuer: svc, Logger: testLogger()})

	if rr := post(t, s, `{"secret":"s3cret"}`); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	codes, _ := svc.ListCodes(context.Background(), 10)
	if len(codes) != 1 || codes[0].Note != defaultPaidNote {
		t.Errorf("expected note %q, got %+v", defaultPaidNote, codes)
	}
}

func TestIssueCode_WrongSecret(t *testing.T) {
	s := New(Config{PaymentSecret: "s3cret", Issuer: testService(t), Logger: testLogger()})
	rr := post(t, s, `{"secret":"guess"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "s3cret") {
		t.Error("response must not echo the secret")
	}
}

func TestIssueCode_SecretNotConfigured(t *testing.T) {
	s := New(Config{Issuer: testService(t), Logger: testLogger()})
	if rr := post(t, s, `{"secret":""}`); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestIssueCode_AccessDisabled(t *testing.T) {
	s := New(Config{PaymentSecret: "s3cret", Logger: testLogger()})
	if rr := post(t, s, `{"secret":"s3cret"}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestIssueCode_StorageFailure(t *testing.T) {
	s := New(Config{PaymentSecret: "s3cret", Issuer: failingIssuer{}, Logger: testLogger()})
	rr := post(t, s, `{"secret":"s3cret"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "locked") {
		t.Error("storage error leaked to the caller")
	}
}

func TestIssueCode_BadRequests(t *testing.T) {
	s := New(Config{PaymentSecret: "s3cret", Issuer: testService(t), Logger: testLogger()})

	if rr := post(t, s, `{not json`); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: expected 400, got %d", rr.Code)
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/issue_paid_code", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected 405, got %d", rr.Code)
	}
}

func TestOptionalRoutes(t *testing.T) {
	s := New(Config{Logger: testLogger()})
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("metrics should not be mounted, got %d", rr.Code)
	}

	s = New(Config{Metrics: metrics.Default.Handler(), MetricsPath: "/metrics", Logger: testLogger()})
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "navigatorbot_") {
		t.Errorf("metrics endpoint: %d %q", rr.Code, rr.Body.String())
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
