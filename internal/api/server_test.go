package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/org/keyvault/internal/audit"
	"github.com/org/keyvault/internal/auth"
	"github.com/org/keyvault/internal/cache"
	"github.com/org/keyvault/internal/crypto"
	"github.com/org/keyvault/internal/policy"
	"github.com/org/keyvault/internal/replication"
	"github.com/org/keyvault/internal/secret"
	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
)

const adminPassword = "test-admin-pw"

func newTestServer(t *testing.T) (http.Handler, *storage.MemoryBackend) {
	t.Helper()
	backend := storage.NewMemoryBackend()

	env, err := crypto.NewEnvelope("test-key-material")
	if err != nil {
		t.Fatalf("creating envelope: %v", err)
	}
	changes := replication.NewLogger(backend, "test-instance", false)
	t.Cleanup(changes.Close)

	engine := policy.NewEngine(backend)
	secrets := secret.NewStore(backend, env, engine, cache.NewMemory(), changes)
	policies := policy.NewService(backend, changes)
	tokens := auth.NewTokenService(backend, time.Hour)
	identities := auth.NewIdentityService(backend, changes)
	if _, err := identities.Bootstrap(context.Background(), adminPassword); err != nil {
		t.Fatalf("bootstrapping admin: %v", err)
	}

	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, backend, secrets, policies,
		tokens, identities, audit.NewLogger(backend),
		replication.NewReplicator(backend, "test-instance", 7*24*time.Hour))
	return srv.BuildRouter(), backend
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return resp.Data
}

func login(t *testing.T, handler http.Handler, name, password string) string {
	t.Helper()
	rec := doRequest(t, handler, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"name": name, "password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return resp.Auth.Token
}

func TestHealthNoAuth(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doRequest(t, handler, http.MethodGet, "/v1/sys/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/v1/secret/data/app/db/password", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token returned %d, want 401", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/data/app/db/password", "kvt_bogus", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad token returned %d, want 403", rec.Code)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := doRequest(t, handler, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"name": "admin", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login returned %d, want 401", rec.Code)
	}
}

func TestSecretLifecycleOverHTTP(t *testing.T) {
	handler, _ := newTestServer(t)
	token := login(t, handler, "admin", adminPassword)

	// Create
	rec := doRequest(t, handler, http.MethodPost, "/v1/secret/data/app/db/password", token, map[string]any{
		"value":    "p1",
		"metadata": map[string]any{"env": "prod"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	if data := decodeData(t, rec); data["version"] != float64(1) {
		t.Fatalf("create version = %v, want 1", data["version"])
	}

	// Duplicate create conflicts
	rec = doRequest(t, handler, http.MethodPost, "/v1/secret/data/app/db/password", token, map[string]any{"value": "p1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create returned %d, want 409", rec.Code)
	}

	// Read
	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/data/app/db/password", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}
	if data := decodeData(t, rec); data["value"] != "p1" {
		t.Fatalf("get value = %v, want p1", data["value"])
	}

	// Update
	rec = doRequest(t, handler, http.MethodPut, "/v1/secret/data/app/db/password", token, map[string]any{"value": "p2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update returned %d: %s", rec.Code, rec.Body.String())
	}
	if data := decodeData(t, rec); data["version"] != float64(2) {
		t.Fatalf("update version = %v, want 2", data["version"])
	}

	// Version-scoped read still sees the old value
	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/data/app/db/password?version=1", token, nil)
	if data := decodeData(t, rec); data["value"] != "p1" {
		t.Fatalf("versioned get value = %v, want p1", data["value"])
	}

	// History
	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/versions/app/db/password", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("versions returned %d", rec.Code)
	}
	if versions := decodeData(t, rec)["versions"].([]any); len(versions) != 2 {
		t.Fatalf("versions len = %d, want 2", len(versions))
	}

	// Metadata
	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/metadata/app/db/password", token, nil)
	if data := decodeData(t, rec); data["total_versions"] != float64(2) {
		t.Fatalf("metadata total_versions = %v, want 2", data["total_versions"])
	}

	// Delete all versions
	rec = doRequest(t, handler, http.MethodDelete, "/v1/secret/data/app/db/password", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete returned %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/data/app/db/password", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete returned %d, want 404", rec.Code)
	}

	// Restore
	rec = doRequest(t, handler, http.MethodPost, "/v1/secret/restore/app/db/password", token, map[string]int{"version": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("restore returned %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/data/app/db/password", token, nil)
	if data := decodeData(t, rec); data["value"] != "p2" {
		t.Fatalf("get after restore value = %v, want p2", data["value"])
	}
}

func TestVersionRangeOverHTTP(t *testing.T) {
	handler, _ := newTestServer(t)
	token := login(t, handler, "admin", adminPassword)

	doRequest(t, handler, http.MethodPost, "/v1/secret/data/app/db/password", token, map[string]any{"value": "v1"})
	doRequest(t, handler, http.MethodPut, "/v1/secret/data/app/db/password", token, map[string]any{"value": "v2"})
	doRequest(t, handler, http.MethodPut, "/v1/secret/data/app/db/password", token, map[string]any{"value": "v3"})

	rec := doRequest(t, handler, http.MethodGet, "/v1/secret/versions/app/db/password?start=1&end=2", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("range returned %d", rec.Code)
	}
	versions := decodeData(t, rec)["versions"].([]any)
	if len(versions) != 2 {
		t.Fatalf("range len = %d, want 2", len(versions))
	}
	first := versions[0].(map[string]any)
	if first["version"] != float64(2) {
		t.Fatalf("range order wrong: first = %v, want 2", first["version"])
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/versions/app/db/password?start=2&end=1", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("inverted range returned %d, want 400", rec.Code)
	}
}

func TestListOverHTTP(t *testing.T) {
	handler, _ := newTestServer(t)
	token := login(t, handler, "admin", adminPassword)

	for _, addr := range []string{"app/db/password", "app/db/username", "app/db/replica/password"} {
		rec := doRequest(t, handler, http.MethodPost, "/v1/secret/data/"+addr, token, map[string]any{"value": "v"})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %s returned %d", addr, rec.Code)
		}
	}

	rec := doRequest(t, handler, http.MethodGet, "/v1/secret/metadata/app/db?list=true", token, nil)
	keys := decodeData(t, rec)["keys"].([]any)
	if len(keys) != 2 {
		t.Fatalf("list len = %d, want 2: %v", len(keys), keys)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/metadata/app/db?list=true&recursive=true", token, nil)
	if keys := decodeData(t, rec)["keys"].([]any); len(keys) != 3 {
		t.Fatalf("recursive list len = %d, want 3", len(keys))
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/paths/app", token, nil)
	if paths := decodeData(t, rec)["paths"].([]any); len(paths) != 2 {
		t.Fatalf("paths len = %d, want 2: %v", len(paths), paths)
	}
}

// A reader identity can read inside its granted subtree, gets 404 for
// a missing secret there, and 403 everywhere else.
func TestPolicyEnforcementOverHTTP(t *testing.T) {
	handler, _ := newTestServer(t)
	admin := login(t, handler, "admin", adminPassword)

	rec := doRequest(t, handler, http.MethodPost, "/v1/sys/policy/reader", admin, map[string]any{
		"description": "read-only access under app/",
		"rules":       []string{"read:app/*"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("policy write returned %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, handler, http.MethodPost, "/v1/sys/identity", admin, map[string]any{
		"name": "bob", "password": "bob-pw", "policies": []string{"reader"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("identity create returned %d: %s", rec.Code, rec.Body.String())
	}
	doRequest(t, handler, http.MethodPost, "/v1/secret/data/app/db/password", admin, map[string]any{"value": "p1"})

	bob := login(t, handler, "bob", "bob-pw")

	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/data/app/db/password", bob, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reader get returned %d, want 200", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/data/app/db/missing", bob, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("reader get missing returned %d, want 404", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/v1/secret/data/other/thing", bob, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reader get outside grant returned %d, want 403", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodPost, "/v1/secret/data/app/db/new", bob, map[string]any{"value": "x"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reader create returned %d, want 403", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/v1/sys/policy", bob, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reader policy list returned %d, want 403", rec.Code)
	}
}

func TestPolicyAdministration(t *testing.T) {
	handler, _ := newTestServer(t)
	admin := login(t, handler, "admin", adminPassword)

	rec := doRequest(t, handler, http.MethodPost, "/v1/sys/policy/deploy", admin, map[string]any{
		"rules": []string{"read:app/*", "list:app/*"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("policy create returned %d", rec.Code)
	}

	// Write again updates in place.
	rec = doRequest(t, handler, http.MethodPost, "/v1/sys/policy/deploy", admin, map[string]any{
		"rules": []string{"read:app/*"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("policy rewrite returned %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/sys/policy/deploy", admin, nil)
	rules := decodeData(t, rec)["rules"].([]any)
	if len(rules) != 1 || rules[0] != "read:app/*" {
		t.Fatalf("policy rules = %v", rules)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/sys/policy", admin, nil)
	policies := decodeData(t, rec)["policies"].([]any)
	if len(policies) != 2 { // admin + deploy
		t.Fatalf("policy list = %v", policies)
	}

	rec = doRequest(t, handler, http.MethodDelete, "/v1/sys/policy/deploy", admin, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("policy delete returned %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodDelete, "/v1/sys/policy/admin", admin, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("admin policy delete returned %d, want 400", rec.Code)
	}
}

func TestTokenRevocation(t *testing.T) {
	handler, _ := newTestServer(t)
	admin := login(t, handler, "admin", adminPassword)

	rec := doRequest(t, handler, http.MethodGet, "/v1/auth/token/lookup-self", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup-self returned %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/v1/auth/token/revoke", admin, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke returned %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/v1/auth/token/lookup-self", admin, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("lookup-self after revoke returned %d, want 403", rec.Code)
	}
}

func TestReplicationStatus(t *testing.T) {
	handler, _ := newTestServer(t)
	admin := login(t, handler, "admin", adminPassword)

	rec := doRequest(t, handler, http.MethodGet, "/v1/sys/replication/status", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replication status returned %d", rec.Code)
	}
	data := decodeData(t, rec)
	if data["instance"] != "test-instance" {
		t.Fatalf("replication instance = %v", data["instance"])
	}
}

func TestAuditLogRecordsRequests(t *testing.T) {
	handler, backend := newTestServer(t)
	admin := login(t, handler, "admin", adminPassword)

	doRequest(t, handler, http.MethodPost, "/v1/secret/data/app/db/password", admin, map[string]any{"value": "p1"})

	rec := doRequest(t, handler, http.MethodGet, "/v1/sys/audit-log?path=/v1/secret", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit-log returned %d", rec.Code)
	}
	entries := decodeData(t, rec)["entries"].([]any)
	if len(entries) == 0 {
		t.Fatal("audit log empty after secret write")
	}
	entry := entries[0].(map[string]any)
	if entry["identity"] != "admin" {
		t.Fatalf("audit identity = %v, want admin", entry["identity"])
	}

	// The entry is also in storage with a request id.
	stored, err := backend.QueryAuditLog(context.Background(), storage.AuditFilter{Path: "/v1/secret", Limit: 10})
	if err != nil {
		t.Fatalf("querying audit log: %v", err)
	}
	if len(stored) == 0 || stored[0].RequestID == "" {
		t.Fatalf("stored audit entries missing request id: %+v", stored)
	}
}

func TestIdentityAdministration(t *testing.T) {
	handler, _ := newTestServer(t)
	admin := login(t, handler, "admin", adminPassword)

	rec := doRequest(t, handler, http.MethodPost, "/v1/sys/identity", admin, map[string]any{
		"name": "svc-deploy", "password": "deploy-pw", "type": string(models.IdentityService),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("identity create returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodPut, "/v1/sys/identity/svc-deploy", admin, map[string]any{
		"policies": []string{"reader"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("identity update returned %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/sys/identity/svc-deploy", admin, nil)
	data := decodeData(t, rec)
	if fmt.Sprintf("%v", data["policies"]) != "[reader]" {
		t.Fatalf("identity policies = %v", data["policies"])
	}

	rec = doRequest(t, handler, http.MethodDelete, "/v1/sys/identity/svc-deploy", admin, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("identity delete returned %d", rec.Code)
	}
	rec = doRequest(t, handler, http.MethodGet, "/v1/sys/identity/svc-deploy", admin, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("identity get after delete returned %d, want 404", rec.Code)
	}
}
