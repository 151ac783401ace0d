package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthzAlwaysReturns200(t *testing.T) {
	s := New(":0")

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body probeResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyzReportsEachChecker(t *testing.T) {
	s := New(":0",
		Checker{Name: "cache", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "backbone", Check: func(_ context.Context) error { return errors.New("connection reset") }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	s.readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body probeResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	if body.Checks["cache"] != "ok" {
		t.Errorf(`checks["cache"] = %q, want ok`, body.Checks["cache"])
	}
	if !strings.HasPrefix(body.Checks["backbone"], "fail: ") {
		t.Errorf(`checks["backbone"] = %q, want a fail prefix`, body.Checks["backbone"])
	}
}

func TestReadyzHealthyWhenNoCheckers(t *testing.T) {
	s := New(":0")
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	s.readyz(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMetricsEndpointRegistered(t *testing.T) {
	s := New(":0")
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want %d", rec.Code, http.StatusOK)
	}
}
