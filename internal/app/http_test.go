package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"citypulse/api/internal/rbac"
	"citypulse/api/internal/store"
)

func newTestServer(t *testing.T) (*HTTPServer, *memStore, *Service) {
	t.Helper()
	st := newMemStore()
	seedWards(t, st)
	svc := newTestService(st)
	return NewHTTPServer(svc, "*"), st, svc
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func tokenFor(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session.Token
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	server, st, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	st.pingErr = fmt.Errorf("connection refused")
	rec = doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCreateIssueRequiresAuth(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodPost, "/api/issues", "", map[string]any{
		"title": "Pothole", "category": "road", "ward": "central",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if decodeJSON(t, rec)["code"] != "UNAUTHORIZED" {
		t.Fatal("expected UNAUTHORIZED error code")
	}
}

func TestInvalidBearerRejectedOnPublicRead(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/api/issues", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPublicStatsOpen(t *testing.T) {
	server, st, _ := newTestServer(t)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))
	seedIssue(t, st, reporter.ID)

	rec := doJSON(t, server, http.MethodGet, "/api/public/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	payload := decodeJSON(t, rec)
	if payload["totalIssues"] != float64(1) {
		t.Fatalf("totalIssues = %v, want 1", payload["totalIssues"])
	}
	if _, ok := payload["resolutionRate"]; !ok {
		t.Fatal("missing resolutionRate")
	}
}

func TestWardsEndpointOpen(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/api/wards", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	wards, ok := decodeJSON(t, rec)["wards"].([]any)
	if !ok || len(wards) != 2 {
		t.Fatalf("wards = %v, want 2 entries", wards)
	}
}

func TestAnonymousVoteStatus(t *testing.T) {
	server, st, svc := newTestServer(t)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))
	issue := seedIssue(t, st, reporter.ID)
	if _, err := svc.ToggleVote(context.Background(), sessionFor(reporter), issue.ID); err != nil {
		t.Fatalf("ToggleVote: %v", err)
	}

	rec := doJSON(t, server, http.MethodGet, "/api/issues/"+issue.ID+"/vote", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	payload := decodeJSON(t, rec)
	if payload["voted"] != false {
		t.Fatalf("voted = %v, want false", payload["voted"])
	}
	if payload["votes"] != float64(1) {
		t.Fatalf("votes = %v, want 1", payload["votes"])
	}
}

func TestVoteToggleOverHTTP(t *testing.T) {
	server, st, svc := newTestServer(t)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))
	voter := seedUser(t, st, string(rbac.RoleCitizen))
	issue := seedIssue(t, st, reporter.ID)
	token := tokenFor(t, svc, voter)

	rec := doJSON(t, server, http.MethodPost, "/api/issues/"+issue.ID+"/vote", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	if payload["voted"] != true || payload["votes"] != float64(1) {
		t.Fatalf("toggle = %v", payload)
	}

	rec = doJSON(t, server, http.MethodGet, "/api/issues/"+issue.ID+"/vote", token, nil)
	payload = decodeJSON(t, rec)
	if payload["voted"] != true {
		t.Fatalf("status after vote = %v, want voted=true", payload)
	}

	rec = doJSON(t, server, http.MethodPost, "/api/issues/"+issue.ID+"/vote", token, nil)
	payload = decodeJSON(t, rec)
	if payload["voted"] != false || payload["votes"] != float64(0) {
		t.Fatalf("second toggle = %v", payload)
	}
}

func TestVoteOnMissingIssue(t *testing.T) {
	server, st, svc := newTestServer(t)
	voter := seedUser(t, st, string(rbac.RoleCitizen))
	token := tokenFor(t, svc, voter)

	rec := doJSON(t, server, http.MethodPost, "/api/issues/issue-missing/vote", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDashboardRoleGate(t *testing.T) {
	server, st, svc := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/analytics/dashboard", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}

	citizen := seedUser(t, st, string(rbac.RoleCitizen))
	rec = doJSON(t, server, http.MethodGet, "/api/analytics/dashboard", tokenFor(t, svc, citizen), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("citizen status = %d, want 403", rec.Code)
	}

	authority := seedUser(t, st, string(rbac.RoleAuthority))
	rec = doJSON(t, server, http.MethodGet, "/api/analytics/dashboard", tokenFor(t, svc, authority), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authority status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	for _, key := range []string{"totalIssues", "openIssues", "averageResolutionTime", "categoryBreakdown", "recentActivity"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("dashboard missing %q", key)
		}
	}
}

func TestImpactReportHTMLDownload(t *testing.T) {
	server, st, svc := newTestServer(t)
	admin := seedUser(t, st, string(rbac.RoleAdmin))
	seedIssue(t, st, admin.ID)

	rec := doJSON(t, server, http.MethodGet, "/api/analytics/impact-report?format=html", tokenFor(t, svc, admin), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if disposition := rec.Header().Get("Content-Disposition"); !strings.Contains(disposition, "impact-report") {
		t.Fatalf("Content-Disposition = %q", disposition)
	}
	if !strings.Contains(rec.Body.String(), "Impact Report") {
		t.Fatal("HTML export missing report title")
	}
}

func TestImpactReportRejectsBadFormat(t *testing.T) {
	server, st, svc := newTestServer(t)
	admin := seedUser(t, st, string(rbac.RoleAdmin))

	rec := doJSON(t, server, http.MethodGet, "/api/analytics/impact-report?format=docx", tokenFor(t, svc, admin), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":       "Maya@Example.COM",
		"password":    "hunter2hunter2",
		"displayName": "Maya",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeJSON(t, rec)
	verifyToken, _ := payload["devVerificationToken"].(string)
	if verifyToken == "" {
		t.Fatal("expected devVerificationToken without SMTP")
	}

	// Unverified accounts cannot sign in yet
	rec = doJSON(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "maya@example.com", "password": "hunter2hunter2",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("pre-verify signin status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/api/auth/verify-email", "", map[string]any{"token": verifyToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "maya@example.com", "password": "hunter2hunter2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signin status = %d: %s", rec.Code, rec.Body.String())
	}
	session := decodeJSON(t, rec)
	accessToken, _ := session["accessToken"].(string)
	if accessToken == "" {
		t.Fatal("missing accessToken")
	}
	if session["role"] != string(rbac.RoleCitizen) {
		t.Fatalf("role = %v, want citizen", session["role"])
	}

	rec = doJSON(t, server, http.MethodPost, "/api/issues", accessToken, map[string]any{
		"title": "Overflowing bin", "category": "sanitation", "ward": "north",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create issue status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	server, _, _ := newTestServer(t)
	body := map[string]any{
		"email": "dup@example.com", "password": "hunter2hunter2", "displayName": "Dup",
	}
	if rec := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", body); rec.Code != http.StatusCreated {
		t.Fatalf("first signup status = %d", rec.Code)
	}
	rec := doJSON(t, server, http.MethodPost, "/api/auth/signup", "", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup status = %d, want 409", rec.Code)
	}
	if decodeJSON(t, rec)["code"] != "EMAIL_EXISTS" {
		t.Fatal("expected EMAIL_EXISTS code")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	server, st, _ := newTestServer(t)
	user := seedUser(t, st, string(rbac.RoleCitizen))

	rec := doJSON(t, server, http.MethodPost, "/api/auth/reset-password/request", "", map[string]any{"email": user.Email})
	if rec.Code != http.StatusOK {
		t.Fatalf("request status = %d", rec.Code)
	}
	resetToken, _ := decodeJSON(t, rec)["devResetToken"].(string)
	if resetToken == "" {
		t.Fatal("expected devResetToken without SMTP")
	}

	rec = doJSON(t, server, http.MethodPost, "/api/auth/reset-password", "", map[string]any{
		"token": resetToken, "newPassword": "freshpassword",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, server, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": user.Email, "password": "freshpassword",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("signin after reset status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPasswordResetUnknownEmailDoesNotLeak(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server, http.MethodPost, "/api/auth/reset-password/request", "", map[string]any{"email": "ghost@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := decodeJSON(t, rec)["devResetToken"]; ok {
		t.Fatal("unknown email must not yield a reset token")
	}
}

func TestSessionIntrospection(t *testing.T) {
	server, st, svc := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/session", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if decodeJSON(t, rec)["authenticated"] != false {
		t.Fatal("no token should be unauthenticated")
	}

	user := seedUser(t, st, string(rbac.RoleCitizen))
	rec = doJSON(t, server, http.MethodGet, "/api/session", tokenFor(t, svc, user), nil)
	payload := decodeJSON(t, rec)
	if payload["authenticated"] != true || payload["userId"] != user.ID {
		t.Fatalf("introspection = %v", payload)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	server, st, svc := newTestServer(t)
	user := seedUser(t, st, string(rbac.RoleCitizen))
	session, err := svc.CreateSession(context.Background(), user)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := doJSON(t, server, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": session.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", rec.Code, rec.Body.String())
	}
	rotated := decodeJSON(t, rec)
	newRefresh, _ := rotated["refreshToken"].(string)
	if newRefresh == "" || newRefresh == session.RefreshToken {
		t.Fatal("refresh token not rotated")
	}

	// Spent token is rejected
	rec = doJSON(t, server, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": session.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("spent refresh status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/api/session/logout", rotated["accessToken"].(string), map[string]any{"refreshToken": newRefresh})
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	rec = doJSON(t, server, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": newRefresh})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout refresh status = %d, want 401", rec.Code)
	}
}

func TestSearchEndpointFallback(t *testing.T) {
	server, st, _ := newTestServer(t)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))
	seedIssue(t, st, reporter.ID)

	rec := doJSON(t, server, http.MethodGet, "/api/search?q=streetlight", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeJSON(t, rec)["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", decodeJSON(t, rec)["total"])
	}

	rec = doJSON(t, server, http.MethodGet, "/api/search?q=x&limit=abc", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit status = %d, want 422", rec.Code)
	}
}

func TestPhotoUploadUnavailableWithoutStore(t *testing.T) {
	server, st, svc := newTestServer(t)
	reporter := seedUser(t, st, string(rbac.RoleCitizen))
	issue := seedIssue(t, st, reporter.ID)

	req := httptest.NewRequest(http.MethodPost, "/api/issues/"+issue.ID+"/photo", bytes.NewReader([]byte("jpegdata")))
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, svc, reporter))
	req.Header.Set("Content-Type", "image/jpeg")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if decodeJSON(t, rec)["code"] != "PHOTOS_UNAVAILABLE" {
		t.Fatal("expected PHOTOS_UNAVAILABLE code")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server, st, svc := newTestServer(t)
	user := seedUser(t, st, string(rbac.RoleCitizen))
	rec := doJSON(t, server, http.MethodGet, "/api/nope", tokenFor(t, svc, user), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
