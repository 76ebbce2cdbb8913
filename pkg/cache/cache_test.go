package cache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStoreEvicts(t *testing.T) {
	s, err := NewMemoryStore(2)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := s.Get("a"); ok {
		t.Error("oldest entry should be evicted")
	}
	if d, ok := s.Get("c"); !ok || string(d) != "c" {
		t.Errorf("Get(c) = %q, %v", d, ok)
	}
	if _, ok := s.Get("b"); !ok {
		t.Error("Get(b) should still hit")
	}
}

func TestMemoryStoreCopiesInput(t *testing.T) {
	s, err := NewMemoryStore(0)
	if err != nil {
		t.Fatal(err)
	}
	buf := []byte("profile")
	s.Set("k", buf)
	buf[0] = 'X'
	if d, _ := s.Get("k"); string(d) != "profile" {
		t.Errorf("stored blob changed to %q", d)
	}
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	key := "profile:acct:IOS:*:com.example/app"
	if _, ok := s.Get(key); ok {
		t.Fatal("expected miss on empty store")
	}
	if err := s.Set(key, []byte("one")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(key, []byte("two")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if d, ok := s.Get(key); !ok || string(d) != "two" {
		t.Errorf("Get = %q, %v", d, ok)
	}

	// Reopening the directory sees the same blobs.
	again, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := again.Get(key); !ok {
		t.Error("blob should persist across stores")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected a single blob file, got %d entries", len(entries))
	}
}
