package store

import (
	"path/filepath"
	"testing"
)

func TestUpsertAndGet(t *testing.T) {
	s := New()
	s.UpsertUser("alice", true)
	s.UpsertPage("Home", "hi")

	u, ok := s.GetUserByName("alice")
	if !ok || !u.Admin {
		t.Fatalf("GetUserByName = %+v, %v", u, ok)
	}

	p, ok := s.GetPage("Home")
	if !ok || p.Content != "hi" {
		t.Fatalf("GetPage = %+v, %v", p, ok)
	}

	// Upsert overwrites.
	s.UpsertPage("Home", "bye")
	p, _ = s.GetPage("Home")
	if p.Content != "bye" {
		t.Fatalf("expected overwritten content, got %q", p.Content)
	}
}

func TestListAndSearchPages(t *testing.T) {
	s := New()
	s.UpsertPage("Apple", "a fruit")
	s.UpsertPage("Banana", "a tropical fruit")
	s.UpsertPage("Car", "a vehicle")

	all := s.ListPages()
	if len(all) != 3 || all[0].Name != "Apple" {
		t.Fatalf("ListPages = %+v", all)
	}

	hits := s.SearchPages("FRUIT")
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New()
	s.UpsertUser("alice", true)
	s.UpsertPage("Home", "hi")

	path := filepath.Join(t.TempDir(), "snap.json")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	u, ok := reloaded.GetUserByName("alice")
	if !ok || !u.Admin {
		t.Fatalf("reloaded user = %+v, %v", u, ok)
	}
	p, ok := reloaded.GetPage("Home")
	if !ok || p.Content != "hi" {
		t.Fatalf("reloaded page = %+v, %v", p, ok)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.ListPages()) != 0 {
		t.Fatal("expected empty store for missing snapshot")
	}
}
