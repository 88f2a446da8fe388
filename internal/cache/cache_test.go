package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	a := Key("openai", "gpt-4o-mini", "prompt")
	if !strings.HasPrefix(a, "factorcanon:v1:") {
		t.Errorf("unexpected prefix: %s", a)
	}
	if a != Key("openai", "gpt-4o-mini", "prompt") {
		t.Error("Key is not deterministic")
	}
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("part boundaries must affect the key")
	}
	if a == Key("ollama", "gpt-4o-mini", "prompt") {
		t.Error("provider must affect the key")
	}
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache(time.Minute, time.Minute)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("unexpected hit")
	}
	_ = c.Set("k", []byte("v"), 0)
	if got, ok := c.Get("k"); !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d", c.Len())
	}
	_ = c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("hit after Delete")
	}
}

func TestDiskCache_RoundTripAndExpiry(t *testing.T) {
	dir := t.TempDir()
	c := NewDiskCache(dir, time.Hour)
	key := Key("x")

	if err := c.Set(key, []byte(`[{"label":"a"}]`), 0); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get(key)
	if !ok || string(got) != `[{"label":"a"}]` {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	if err := c.Set(key, []byte("old"), -time.Second); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(key); ok {
		t.Error("expired entry returned")
	}
	if _, err := os.Stat(c.path(key)); !os.IsNotExist(err) {
		t.Error("expired entry not removed")
	}
}

func TestDiskCache_CorruptEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	c := NewDiskCache(dir, time.Hour)
	key := Key("corrupt")
	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(key); ok {
		t.Error("corrupt entry returned")
	}
	if err := c.Delete(key); err != nil {
		t.Errorf("Delete of removed entry: %v", err)
	}
}

func TestLayeredCache_PromotesDiskHits(t *testing.T) {
	dir := t.TempDir()
	first := NewLayeredCache(time.Minute, dir, time.Hour)
	if err := first.Set("k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}

	// A fresh process only has the disk layer
	second := NewLayeredCache(time.Minute, dir, time.Hour)
	if got, ok := second.Get("k"); !ok || string(got) != "v" {
		t.Fatalf("disk fallback Get = %q, %v", got, ok)
	}
	if _, ok := second.memory.Get("k"); !ok {
		t.Error("disk hit was not promoted to memory")
	}

	if err := second.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok := second.Get("k"); ok {
		t.Error("hit after Clear")
	}
}
