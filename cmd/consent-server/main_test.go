package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/config"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConditionCheck_PrintsCanonicalForm(t *testing.T) {
	out, err := runCLI(t, "condition", "check", `not isExpired and action === 'a'`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != `(!isExpired && action == "a")` {
		t.Errorf("unexpected output %q", out)
	}
}

func TestConditionCheck_SyntaxError(t *testing.T) {
	_, err := runCLI(t, "condition", "check", `isPending && bogus`)
	if err == nil || !strings.Contains(err.Error(), "position 13") {
		t.Errorf("expected syntax error with position, got %v", err)
	}
}

func TestConditionCheck_RequiresOneArgument(t *testing.T) {
	if _, err := runCLI(t, "condition", "check"); err == nil {
		t.Error("expected error without an expression")
	}
}

func memoryConfig() *config.Config {
	return &config.Config{
		Env:            "development",
		StoreBackend:   config.BackendMemory,
		StoreTimeout:   time.Second,
		RequestTimeout: 5 * time.Second,
		CORSOrigins:    []string{"http://localhost:3000"},
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	}
}

func TestBuildServer_MemoryBackend(t *testing.T) {
	srv, err := buildServer(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	defer srv.Close()

	for _, path := range []string{"/health", "/health/db"} {
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}

	body := fmt.Sprintf(`{"patient_id":%q,"requester_id":%q,"data_types":["lab_results"],"purpose":"treatment","duration":"1_week",
		"rules":[{"id":"approve","name":"approve","condition":"action == \"approve\"","action":"auto_approve","priority":1}]}`,
		uuid.New(), uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/consent-contracts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created struct {
		ID     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != "pending" {
		t.Errorf("expected pending contract, got %q", created.Status)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/consent-contracts/"+created.ID.String()+"/execute",
		strings.NewReader(`{"action":"approve"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"approved"`) {
		t.Errorf("expected contract to be approved, got %s", rec.Body.String())
	}
}

func TestBuildServer_NotificationRoutesRequireConsentManager(t *testing.T) {
	srv, err := buildServer(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stats", nil)
	req.Header.Set("X-Actor-Roles", "patient")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for patient, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/notifications/stats", nil)
	req.Header.Set("X-Actor-Roles", "consent_manager")
	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for consent manager, got %d", rec.Code)
	}
}

func TestBuildServer_JWTRejectsAnonymous(t *testing.T) {
	cfg := memoryConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = "test-signing-key"

	srv, err := buildServer(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	defer srv.Close()

	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/consent-contracts/"+uuid.New().String(), nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected public /health, got %d", rec.Code)
	}
}
