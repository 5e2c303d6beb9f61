package cache

import (
	"context"
	"testing"
)

func TestMemoryCache(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "app/db/password@latest"); ok {
		t.Error("empty cache should miss")
	}

	c.Set(ctx, "app/db/password@latest", []byte("row"))
	v, ok := c.Get(ctx, "app/db/password@latest")
	if !ok || string(v) != "row" {
		t.Errorf("expected hit with %q, got %q ok=%v", "row", v, ok)
	}

	c.Clear(ctx)
	if _, ok := c.Get(ctx, "app/db/password@latest"); ok {
		t.Error("Clear should drop every entry")
	}
}
