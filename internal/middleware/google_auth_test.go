package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeTokenVerifier struct {
	claims *IDClaims
	err    error
}

func (f *fakeTokenVerifier) VerifyClaims(_ context.Context, _ string) (*IDClaims, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.claims, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"admin":%q}`, GetAdmin(r.Context()))
	})
}

func parseErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var resp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp.Error, resp.Message
}

func serveWithBearer(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGoogleAuth(t *testing.T) {
	claims := func(email string, verified bool, hd string) *fakeTokenVerifier {
		return &fakeTokenVerifier{claims: &IDClaims{Email: email, EmailVerified: verified, HD: hd}}
	}

	tests := []struct {
		name       string
		verifier   *fakeTokenVerifier
		domain     string
		token      string
		wantStatus int
		wantMsg    string
	}{
		{"allowlisted email", claims("Ops@company.com", true, "company.com"), "company.com", "valid", http.StatusOK, ""},
		{"any domain when unset", claims("ops@company.com", true, ""), "", "valid", http.StatusOK, ""},
		{"missing token", &fakeTokenVerifier{}, "company.com", "", http.StatusUnauthorized, "Missing authorization token"},
		{"invalid token", &fakeTokenVerifier{err: fmt.Errorf("bad signature")}, "company.com", "bad", http.StatusUnauthorized, "Invalid ID token"},
		{"unverified email", claims("ops@company.com", false, "company.com"), "company.com", "valid", http.StatusForbidden, "Email not verified"},
		{"wrong domain", claims("ops@evil.com", true, "evil.com"), "company.com", "valid", http.StatusForbidden, "Domain not allowed"},
		{"not allowlisted", claims("intern@company.com", true, "company.com"), "company.com", "valid", http.StatusForbidden, "User not authorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ga := NewGoogleAuthWithVerifier(tt.verifier, tt.domain, []string{" ops@company.com "})
			rec := serveWithBearer(ga.Middleware(nil)(okHandler()), tt.token)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK {
				var body struct {
					Admin string `json:"admin"`
				}
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("decode body: %v", err)
				}
				if body.Admin != "ops@company.com" {
					t.Fatalf("expected admin email in context, got %q", body.Admin)
				}
				return
			}
			if _, msg := parseErrorResponse(t, rec); msg != tt.wantMsg {
				t.Fatalf("expected message %q, got %q", tt.wantMsg, msg)
			}
		})
	}
}

func TestGoogleAuthLocksOutRepeatedFailures(t *testing.T) {
	limiter := NewAuthAttemptLimiter(3, 5*time.Minute, 15*time.Minute, nil)
	ga := NewGoogleAuthWithVerifier(&fakeTokenVerifier{err: fmt.Errorf("invalid token")}, "company.com", nil)
	handler := ga.Middleware(limiter)(okHandler())

	for i := 0; i < 3; i++ {
		if rec := serveWithBearer(handler, "bad"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("request %d: expected 401, got %d", i+1, rec.Code)
		}
	}

	if rec := serveWithBearer(handler, "bad"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after lockout, got %d", rec.Code)
	}
}

func TestAdminTokenAuth(t *testing.T) {
	limiter := NewAuthAttemptLimiter(2, time.Minute, time.Hour, nil)
	handler := AdminTokenAuth("s3cret", limiter)(okHandler())

	rec := serveWithBearer(handler, "s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"admin":"api-token"}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	if rec := serveWithBearer(handler, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := serveWithBearer(handler, "guess"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", rec.Code)
	}
	if rec := serveWithBearer(handler, "s3cret"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout to apply even to the right token, got %d", rec.Code)
	}
}
