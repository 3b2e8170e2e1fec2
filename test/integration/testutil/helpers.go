//go:build integration

package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/service"
	"github.com/google/uuid"
)

// RegisterUser creates an account and returns its ID.
func (env *TestEnv) RegisterUser(email, password string) uuid.UUID {
	env.t.Helper()
	resp := env.POST("/auth/register", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		env.t.Fatalf("RegisterUser: expected 201, got %d", resp.StatusCode)
	}

	var user domain.AuthUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		env.t.Fatalf("RegisterUser: decode: %v", err)
	}
	return user.ID
}

// Login posts a login and decodes the decision. Error responses are returned
// with a nil result so callers can assert on the status.
func (env *TestEnv) Login(in service.LoginInput) (*http.Response, *service.LoginResult) {
	env.t.Helper()
	resp := env.POST("/auth/login", in, "")
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return resp, nil
	}
	var result service.LoginResult
	DecodeJSON(env.t, resp, &result)
	return resp, &result
}

// SessionToken logs in from a device and location expected to be allowed.
func (env *TestEnv) SessionToken(email, password string) string {
	env.t.Helper()
	loc := domain.GeoPoint{Lat: 52.52, Lon: 13.405}
	resp, result := env.Login(service.LoginInput{
		Email:    email,
		Password: password,
		DeviceID: "integration-laptop",
		Location: &loc,
	})
	if result == nil || result.Session == nil {
		env.t.Fatalf("SessionToken: expected a session, got status %d", resp.StatusCode)
	}
	return result.Session.Token
}

// FailLogins records n wrong-password attempts for email.
func (env *TestEnv) FailLogins(email string, n int) {
	env.t.Helper()
	for i := 0; i < n; i++ {
		resp := env.POST("/auth/login", map[string]string{
			"email":     email,
			"password":  "definitely-wrong",
			"device_id": "integration-laptop",
		}, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			env.t.Fatalf("FailLogins: expected 401, got %d", resp.StatusCode)
		}
	}
}

// EnrollFactor registers a factor for the session holder and returns its salt.
func (env *TestEnv) EnrollFactor(token string, ft domain.FactorType, secret string) string {
	env.t.Helper()
	resp := env.POST("/mfa/factors", map[string]string{
		"factor_type": string(ft),
		"secret":      secret,
	}, token)
	if resp.StatusCode != http.StatusCreated {
		resp.Body.Close()
		env.t.Fatalf("EnrollFactor: expected 201, got %d", resp.StatusCode)
	}
	var info service.FactorInfo
	DecodeJSON(env.t, resp, &info)
	return info.Salt
}

// GET performs an unauthenticated GET request.
func (env *TestEnv) GET(path string) *http.Response {
	env.t.Helper()
	resp, err := http.Get(env.Server.URL + path)
	if err != nil {
		env.t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

// POST performs a POST request with optional auth token.
func (env *TestEnv) POST(path string, body interface{}, token string) *http.Response {
	env.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			env.t.Fatalf("POST %s: encode: %v", path, err)
		}
	}
	req, err := http.NewRequest("POST", env.Server.URL+path, &buf)
	if err != nil {
		env.t.Fatalf("POST %s: new request: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		env.t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

// RawPOST sends body verbatim with the given headers.
func (env *TestEnv) RawPOST(path string, body []byte, headers map[string]string) *http.Response {
	env.t.Helper()
	req, err := http.NewRequest("POST", env.Server.URL+path, bytes.NewReader(body))
	if err != nil {
		env.t.Fatalf("RawPOST %s: new request: %v", path, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		env.t.Fatalf("RawPOST %s: %v", path, err)
	}
	return resp
}
