package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/collab"
	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/zip"
)

var allScopes = []string{scopeConnect, scopePresenceRead, scopeDocumentsRead, scopeDocumentsWrite}

const testWorkbook = `{"sheets":[{"name":"Budget","rows":[["item","cost"],["Venue",1200]]}]}`

func newTestServer(t *testing.T, cfg ServerConfig, opts collab.HubOptions) (*Server, *collab.Hub) {
	t.Helper()
	if opts.Membership == nil {
		opts.Membership = collab.NewStaticMembership(map[string][]string{
			"ws_1": {"alice", "bob"},
		})
	}
	opts.DisableSweeper = true
	hub := collab.NewHub(opts)
	t.Cleanup(func() { _ = hub.Close() })
	return NewServerWithConfig(hub, cfg), hub
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{}, collab.HubOptions{})
	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws_1/presence", nil)
	rec := httptest.NewRecorder()

	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{}, collab.HubOptions{})

	health := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", health.Code)
	}
	for _, path := range []string{"/v1/nope", "/v1/workspaces/ws_1/files", "/v1/workspaces//presence"} {
		resp := doRequest(t, server, request{method: http.MethodGet, path: path})
		if resp.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, resp.Code)
		}
	}
}

func TestTokenValidation(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{}, collab.HubOptions{})
	now := time.Now()
	cases := []struct {
		name   string
		token  string
		status int
	}{
		{name: "expired", token: mustTestJWT(t, "dev-secret", "alice", allScopes, now.Add(-time.Minute)), status: http.StatusUnauthorized},
		{name: "wrong secret", token: mustTestJWT(t, "other-secret", "alice", allScopes, now.Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "wrong audience", token: mustTestJWTWithAudience(t, "dev-secret", "alice", allScopes, "billing", now.Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "no subject", token: mustTestJWT(t, "dev-secret", "", allScopes, now.Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "no scopes", token: mustTestJWT(t, "dev-secret", "alice", nil, now.Add(time.Hour)), status: http.StatusForbidden},
		{name: "missing scope", token: mustTestJWT(t, "dev-secret", "alice", []string{scopeDocumentsRead}, now.Add(time.Hour)), status: http.StatusForbidden},
		{name: "garbage", token: "not.a.jwt", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, server, request{
				method:  http.MethodGet,
				path:    "/v1/workspaces/ws_1/presence",
				headers: map[string]string{"Authorization": "Bearer " + tc.token},
			})
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestSpaceSeparatedScopes(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "alice",
		"aud":    "relaysync",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": "presence:read documents:read",
	}).SignedString([]byte("dev-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	claims, authErr := authorizeBearer("Bearer "+token, "dev-secret", "relaysync", scopePresenceRead, time.Now())
	if authErr != nil {
		t.Fatalf("expected token to be accepted: %v", authErr)
	}
	if claims.UserID != "alice" || len(claims.Scopes) != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	server, hub := newTestServer(t, ServerConfig{}, collab.HubOptions{})
	if _, err := hub.Connect(context.Background(), "conn_b", "bob"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := hub.Join(context.Background(), "conn_b", "ws_1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_1/presence",
		headers: bearer(t, "alice", allScopes),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var snapshot collab.MembersSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if len(snapshot.UserIDs) != 1 || snapshot.UserIDs[0] != "bob" {
		t.Fatalf("expected bob online, got %+v", snapshot)
	}

	outsider := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_1/presence",
		headers: bearer(t, "mallory", allScopes),
	})
	if outsider.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", outsider.Code)
	}
}

func TestDocumentLifecycleAndConflicts(t *testing.T) {
	server, hub := newTestServer(t, ServerConfig{}, collab.HubOptions{})
	watcher, err := hub.Connect(context.Background(), "conn_b", "bob")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := hub.Join(context.Background(), "conn_b", "ws_1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	headers := bearer(t, "alice", allScopes)

	loadResp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/documents/evt_1", headers: headers})
	if loadResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on load, got %d (%s)", loadResp.Code, loadResp.Body.String())
	}
	if etag := loadResp.Header().Get("ETag"); etag != `"1"` {
		t.Fatalf("expected ETag \"1\", got %s", etag)
	}

	saveResp := doRawRequest(t, server, rawRequest{
		method:  http.MethodPut,
		path:    "/v1/workspaces/ws_1/documents/evt_1",
		headers: withHeader(headers, "If-Match", `"1"`),
		body:    []byte(testWorkbook),
	})
	if saveResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on save, got %d (%s)", saveResp.Code, saveResp.Body.String())
	}
	var saved collab.Document
	if err := json.NewDecoder(saveResp.Body).Decode(&saved); err != nil {
		t.Fatalf("decode save response: %v", err)
	}
	if saved.Version != 2 || saved.WriterID != "alice" {
		t.Fatalf("unexpected saved document: %+v", saved)
	}

	staleResp := doRawRequest(t, server, rawRequest{
		method:  http.MethodPut,
		path:    "/v1/workspaces/ws_1/documents/evt_1",
		headers: withHeader(headers, "If-Match", `"1"`),
		body:    []byte(`{}`),
	})
	if staleResp.Code != http.StatusConflict {
		t.Fatalf("expected 409 on stale write, got %d (%s)", staleResp.Code, staleResp.Body.String())
	}
	if etag := staleResp.Header().Get("ETag"); etag != `"2"` {
		t.Fatalf("expected conflict ETag \"2\", got %s", etag)
	}

	overwrite := doRawRequest(t, server, rawRequest{
		method:  http.MethodPut,
		path:    "/v1/workspaces/ws_1/documents/evt_1",
		headers: headers,
		body:    []byte(`{"rows":[["plain"]]}`),
	})
	if overwrite.Code != http.StatusOK {
		t.Fatalf("expected unconditional save to succeed, got %d", overwrite.Code)
	}

	reload := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/documents/evt_1", headers: headers})
	var current collab.Document
	if err := json.NewDecoder(reload.Body).Decode(&current); err != nil {
		t.Fatalf("decode reload: %v", err)
	}
	if current.Version != 3 || !strings.Contains(string(current.Body), "plain") {
		t.Fatalf("expected read-your-write at version 3, got %+v", current)
	}

	changed := 0
	for _, msg := range queued(watcher) {
		if msg.Type == collab.TypeDocumentChanged {
			changed++
		}
	}
	if changed != 2 {
		t.Fatalf("expected two document:changed notices, got %d", changed)
	}
}

func TestDocumentSaveValidation(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 128}, collab.HubOptions{})
	headers := bearer(t, "alice", allScopes)

	cases := []struct {
		name    string
		headers map[string]string
		body    string
		status  int
	}{
		{name: "not an object", headers: headers, body: `[1]`, status: http.StatusBadRequest},
		{name: "bad if-match", headers: withHeader(headers, "If-Match", "abc"), body: `{}`, status: http.StatusBadRequest},
		{name: "too large", headers: headers, body: `{"notes":"` + strings.Repeat("x", 200) + `"}`, status: http.StatusRequestEntityTooLarge},
		{name: "read-only token", headers: bearer(t, "alice", []string{scopeDocumentsRead}), body: `{}`, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRawRequest(t, server, rawRequest{
				method:  http.MethodPut,
				path:    "/v1/workspaces/ws_1/documents/evt_1",
				headers: tc.headers,
				body:    []byte(tc.body),
			})
			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestDocumentForMissingResource(t *testing.T) {
	resolver := collab.ResourceResolverFunc(func(context.Context, string) (string, bool, error) { return "", false, nil })
	server, _ := newTestServer(t, ServerConfig{}, collab.HubOptions{Resources: resolver})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/documents/evt_gone", headers: bearer(t, "alice", allScopes)})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload["code"] != "not_found" {
		t.Fatalf("expected not_found code, got %+v", payload)
	}
}

func TestDocumentFromAnotherWorkspaceIsForbidden(t *testing.T) {
	server, hub := newTestServer(t, ServerConfig{}, collab.HubOptions{
		Membership: collab.NewStaticMembership(map[string][]string{
			"ws_1": {"alice"},
			"ws_2": {"carol"},
		}),
	})
	if _, err := hub.SaveDocument(context.Background(), "ws_1", "", collab.SaveRequest{ResourceID: "evt_secret", Body: json.RawMessage(testWorkbook), WriterID: "alice"}); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	carol := bearer(t, "carol", allScopes)

	cases := []struct {
		name string
		req  rawRequest
	}{
		{name: "load", req: rawRequest{method: http.MethodGet, path: "/v1/workspaces/ws_2/documents/evt_secret", headers: carol}},
		{name: "save", req: rawRequest{method: http.MethodPut, path: "/v1/workspaces/ws_2/documents/evt_secret", headers: carol, body: []byte(`{"notes":"mine now"}`)}},
		{name: "export", req: rawRequest{method: http.MethodGet, path: "/v1/workspaces/ws_2/documents/evt_secret/export?format=csv", headers: carol}},
		{name: "owner workspace", req: rawRequest{method: http.MethodGet, path: "/v1/workspaces/ws_1/documents/evt_secret", headers: carol}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRawRequest(t, server, tc.req)
			if resp.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
			}
			if strings.Contains(resp.Body.String(), "Venue") {
				t.Fatalf("response leaked workbook content: %s", resp.Body.String())
			}
		})
	}

	doc, err := hub.LoadDocument(context.Background(), "ws_1", "evt_secret")
	if err != nil {
		t.Fatalf("load owner document: %v", err)
	}
	if doc.Version != 2 || doc.WorkspaceID != "ws_1" {
		t.Fatalf("expected untouched ws_1 document at v2, got %+v", doc)
	}
}

func TestExportEndpoint(t *testing.T) {
	server, hub := newTestServer(t, ServerConfig{}, collab.HubOptions{})
	if _, err := hub.SaveDocument(context.Background(), "ws_1", "", collab.SaveRequest{ResourceID: "evt_1", Body: json.RawMessage(testWorkbook)}); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	headers := bearer(t, "alice", allScopes)

	csvResp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/documents/evt_1/export?format=csv", headers: headers})
	if csvResp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", csvResp.Code, csvResp.Body.String())
	}
	if got := csvResp.Header().Get("Content-Disposition"); got != `attachment; filename="evt_1.csv"` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if csvResp.Body.String() != "item,cost\nVenue,1200\n" {
		t.Fatalf("unexpected csv %q", csvResp.Body.String())
	}

	zipResp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/documents/evt_1/export?format=zip", headers: headers})
	if zipResp.Code != http.StatusOK || zipResp.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("expected zip export, got %d %s", zipResp.Code, zipResp.Header().Get("Content-Type"))
	}
	data := zipResp.Body.Bytes()
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(archive.File) != 2 {
		t.Fatalf("expected sheet + manifest, got %d entries", len(archive.File))
	}

	bad := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/documents/evt_1/export?format=xlsx", headers: headers})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", bad.Code)
	}
	missingSheet := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/documents/evt_1/export?sheet=Nope", headers: headers})
	if missingSheet.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sheet, got %d", missingSheet.Code)
	}
}

func TestInternalChangeHook(t *testing.T) {
	server, hub := newTestServer(t, ServerConfig{}, collab.HubOptions{})
	conn, err := hub.Connect(context.Background(), "conn_a", "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := hub.Join(context.Background(), "conn_a", "ws_1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	body := []byte(`{"kind":"task","op":"updated","workspaceId":"ws_1","entityId":"task_1","payload":{"title":"Print badges"}}`)
	ts := time.Now().UTC().Format(time.RFC3339)
	headers := map[string]string{
		"X-Correlation-Id":  "corr_hook_1",
		"X-Relay-Timestamp": ts,
		"X-Relay-Signature": mustHMAC("dev-internal-secret", ts+"\n"+string(body)),
	}
	resp := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/changes", headers: headers, body: body})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var report collab.DeliveryReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Delivered != 1 || report.EventID == "" {
		t.Fatalf("unexpected report: %+v", report)
	}
	delivered := queued(conn)
	if len(delivered) != 1 || delivered[0].Type != "task:updated" {
		t.Fatalf("expected one task:updated frame, got %+v", delivered)
	}

	replay := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/changes", headers: headers, body: body})
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", replay.Code)
	}

	forged := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/internal/changes",
		headers: withHeader(headers, "X-Relay-Signature", mustHMAC("wrong", ts+"\n"+string(body))),
		body:    body,
	})
	if forged.Code != http.StatusUnauthorized {
		t.Fatalf("expected forged signature to be rejected, got %d", forged.Code)
	}

	noCorrelation := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/changes", body: body})
	if noCorrelation.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", noCorrelation.Code)
	}

	invalid := []byte(`{"kind":"note","op":"created","workspaceId":"ws_1"}`)
	ts2 := time.Now().UTC().Add(time.Second).Format(time.RFC3339)
	invalidResp := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/changes",
		headers: map[string]string{
			"X-Correlation-Id":  "corr_hook_2",
			"X-Relay-Timestamp": ts2,
			"X-Relay-Signature": mustHMAC("dev-internal-secret", ts2+"\n"+string(invalid)),
		},
		body: invalid,
	})
	if invalidResp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d (%s)", invalidResp.Code, invalidResp.Body.String())
	}
}

func TestInternalChangeHookRejectsStaleTimestamp(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{InternalMaxSkew: time.Minute}, collab.HubOptions{})
	body := []byte(`{"kind":"event","op":"created","workspaceId":"ws_1"}`)
	ts := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	resp := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/changes",
		headers: map[string]string{
			"X-Correlation-Id":  "corr_stale",
			"X-Relay-Timestamp": ts,
			"X-Relay-Signature": mustHMAC("dev-internal-secret", ts+"\n"+string(body)),
		},
		body: body,
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 outside replay window, got %d", resp.Code)
	}
}

func TestRateLimitingByWorkspaceAndUser(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	}, collab.HubOptions{})
	headers := bearer(t, "alice", allScopes)

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/workspaces/ws_1/presence",
			headers: withHeader(headers, "X-Correlation-Id", fmt.Sprintf("corr_rate_%d", i)),
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/presence", headers: headers})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}

	other := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/presence", headers: bearer(t, "bob", allScopes)})
	if other.Code != http.StatusOK {
		t.Fatalf("expected another user to have its own budget, got %d", other.Code)
	}
}

func TestAdminStats(t *testing.T) {
	server, hub := newTestServer(t, ServerConfig{}, collab.HubOptions{})
	if _, err := hub.Connect(context.Background(), "conn_a", "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/stats", headers: bearer(t, "alice", allScopes)})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin scope, got %d", denied.Code)
	}
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/stats", headers: bearer(t, "ops", []string{scopeAdminRead})})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var stats adminStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Connections != 1 {
		t.Fatalf("expected one connection, got %+v", stats)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, userID string, scopes []string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + mustTestJWT(t, "dev-secret", userID, scopes, time.Now().Add(time.Hour))}
}

func withHeader(headers map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[key] = value
	return out
}

// queued empties the connection's outbox without blocking on it.
func queued(conn *collab.Connection) []collab.Message {
	var out []collab.Message
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		msg, ok := conn.Outbox().Dequeue(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func mustTestJWT(t *testing.T, secret, userID string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, userID, scopes, "relaysync", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, userID string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud": aud,
		"exp": exp.Unix(),
	}
	if userID != "" {
		claims["sub"] = userID
	}
	if scopes != nil {
		claims["scopes"] = scopes
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return fmt.Sprintf("%x", mac.Sum(nil))
}
