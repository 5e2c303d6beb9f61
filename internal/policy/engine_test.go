package policy

import (
	"context"
	"testing"

	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
)

// mockPolicyStore is a minimal in-memory Getter for testing.
type mockPolicyStore struct {
	policies map[string]*models.Policy
}

func newMockStore(pols ...*models.Policy) *mockPolicyStore {
	m := &mockPolicyStore{policies: map[string]*models.Policy{}}
	for _, p := range pols {
		m.policies[p.Name] = p
	}
	return m
}

func (m *mockPolicyStore) GetPolicy(_ context.Context, name string) (*models.Policy, error) {
	if p, ok := m.policies[name]; ok {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func TestAdminShortCircuit(t *testing.T) {
	eng := NewEngine(newMockStore())
	ctx := context.Background()

	for _, action := range []string{"create", "read", "update", "delete", "list"} {
		if !eng.HasAccess(ctx, []string{"admin"}, "any/path/at/all", action) {
			t.Errorf("admin should allow %q on any path", action)
		}
	}
}

func TestNoPoliciesDenied(t *testing.T) {
	eng := NewEngine(newMockStore())
	ctx := context.Background()

	if eng.HasAccess(ctx, nil, "secret/foo", "read") {
		t.Error("empty policy list should deny")
	}
	if eng.HasAccess(ctx, []string{"nonexistent"}, "secret/foo", "read") {
		t.Error("unknown policy names should be skipped, yielding deny")
	}
}

func TestGlobMatching(t *testing.T) {
	pol := &models.Policy{
		Name:  "reader",
		Rules: []string{"read:secret/*"},
	}
	eng := NewEngine(newMockStore(pol))
	ctx := context.Background()

	cases := []struct {
		path    string
		action  string
		allowed bool
	}{
		{"secret/foo", "read", true},
		{"secret/foo/bar", "read", true}, // * crosses segments
		{"other/foo", "read", false},
		{"secret/foo", "update", false},
		{"secret/foo", "READ", true}, // action match is case-insensitive
	}
	for _, tc := range cases {
		got := eng.HasAccess(ctx, []string{"reader"}, tc.path, tc.action)
		if got != tc.allowed {
			t.Errorf("path=%q action=%q: expected %v got %v", tc.path, tc.action, tc.allowed, got)
		}
	}
}

func TestWildcardRule(t *testing.T) {
	pol := &models.Policy{Name: "super", Rules: []string{"*:*"}}
	eng := NewEngine(newMockStore(pol))
	ctx := context.Background()

	for _, action := range []string{"create", "read", "update", "delete", "list"} {
		if !eng.HasAccess(ctx, []string{"super"}, "a/b/c", action) {
			t.Errorf("*:* should allow %q", action)
		}
	}
}

func TestQuestionMarkGlob(t *testing.T) {
	pol := &models.Policy{Name: "q", Rules: []string{"read:app/db?"}}
	eng := NewEngine(newMockStore(pol))
	ctx := context.Background()

	if !eng.HasAccess(ctx, []string{"q"}, "app/db1", "read") {
		t.Error("? should match a single character")
	}
	if eng.HasAccess(ctx, []string{"q"}, "app/db12", "read") {
		t.Error("? should not match two characters")
	}
	if eng.HasAccess(ctx, []string{"q"}, "app/db", "read") {
		t.Error("? should not match zero characters")
	}
}

func TestDotIsLiteral(t *testing.T) {
	pol := &models.Policy{Name: "dot", Rules: []string{"read:app/v1.0/*"}}
	eng := NewEngine(newMockStore(pol))
	ctx := context.Background()

	if !eng.HasAccess(ctx, []string{"dot"}, "app/v1.0/key", "read") {
		t.Error("literal dot should match itself")
	}
	if eng.HasAccess(ctx, []string{"dot"}, "app/v1x0/key", "read") {
		t.Error("dot must not act as a regex wildcard")
	}
}

func TestAnchoredMatch(t *testing.T) {
	pol := &models.Policy{Name: "exact", Rules: []string{"read:secret/foo"}}
	eng := NewEngine(newMockStore(pol))
	ctx := context.Background()

	if eng.HasAccess(ctx, []string{"exact"}, "secret/foobar", "read") {
		t.Error("pattern must match the full path, not a prefix")
	}
	if eng.HasAccess(ctx, []string{"exact"}, "prefix/secret/foo", "read") {
		t.Error("pattern must match the full path, not a suffix")
	}
}

func TestMultiplePolicies(t *testing.T) {
	readPol := &models.Policy{Name: "reader", Rules: []string{"read:secret/*"}}
	writePol := &models.Policy{Name: "writer", Rules: []string{"update:secret/myapp/*", "create:secret/myapp/*"}}
	eng := NewEngine(newMockStore(readPol, writePol))
	ctx := context.Background()

	if !eng.HasAccess(ctx, []string{"reader", "writer"}, "secret/myapp/db", "update") {
		t.Error("update should be allowed via writer policy")
	}
	if !eng.HasAccess(ctx, []string{"reader", "writer"}, "secret/other", "read") {
		t.Error("read should be allowed via reader policy")
	}
	if eng.HasAccess(ctx, []string{"reader"}, "secret/myapp/db", "update") {
		t.Error("update should not be allowed with only reader policy")
	}
}

func TestMalformedRuleSkipped(t *testing.T) {
	pol := &models.Policy{Name: "bad", Rules: []string{"no-colon-here", "read:secret/ok"}}
	eng := NewEngine(newMockStore(pol))
	ctx := context.Background()

	if eng.HasAccess(ctx, []string{"bad"}, "no-colon-here", "read") {
		t.Error("malformed rule should never match")
	}
	if !eng.HasAccess(ctx, []string{"bad"}, "secret/ok", "read") {
		t.Error("well-formed rule after a malformed one should still apply")
	}
}
