//go:build integration

package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

// DecodeJSON reads and decodes a JSON response body into dst.
func DecodeJSON(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
}

// AssertStatus checks that the response has the expected HTTP status code.
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// AssertErrorCode checks that the response body contains the expected error code.
func AssertErrorCode(t *testing.T, resp *http.Response, expectedCode string) {
	t.Helper()
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	DecodeJSON(t, resp, &errResp)
	if errResp.Code != expectedCode {
		t.Errorf("expected error code %q, got %q (message: %s)", expectedCode, errResp.Code, errResp.Message)
	}
}

// CountRiskEvents returns the number of audited decisions for a user.
func (env *TestEnv) CountRiskEvents(userID string) int {
	env.t.Helper()
	return env.count("SELECT COUNT(*) FROM risk_events WHERE user_id = $1", userID)
}

// CountOutboxEvents returns the number of unrelayed outbox events of a type.
func (env *TestEnv) CountOutboxEvents(eventType string) int {
	env.t.Helper()
	return env.count(`SELECT COUNT(*) FROM event_outbox WHERE "eventType" = $1`, eventType)
}

func (env *TestEnv) count(query string, args ...any) int {
	env.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n int
	if err := env.Pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		env.t.Fatalf("count: %v", err)
	}
	return n
}
