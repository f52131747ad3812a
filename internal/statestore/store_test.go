package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gomama/pod-agent/internal/pod"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "podagent_test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadEmpty(t *testing.T) {
	s := testStore(t)

	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if ok {
		t.Error("Load() found a snapshot in an empty store")
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := testStore(t)

	want := pod.State{
		ListingID:    "pod-17",
		Timestamp:    1700000000,
		Disinfecting: true,
		UVCLampOn:    true,
		Temperature:  25.5,
		Humidity:     60.0,
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !ok {
		t.Fatal("Load() found no snapshot after Save")
	}
	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestSaveOverwritesSingleRow(t *testing.T) {
	s := testStore(t)

	if err := s.Save(pod.State{ListingID: "pod-17", Occupied: true}); err != nil {
		t.Fatalf("Save(1) error: %v", err)
	}
	if err := s.Save(pod.State{ListingID: "pod-17", Occupied: false, Disinfecting: true, UVCLampOn: true}); err != nil {
		t.Fatalf("Save(2) error: %v", err)
	}

	got, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load() = ok=%v, err=%v", ok, err)
	}
	if got.Occupied || !got.Disinfecting {
		t.Errorf("Load() = %+v, want latest snapshot", got)
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	if err := s1.Save(pod.State{ListingID: "pod-17", Disinfecting: true, UVCLampOn: true}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	s1.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(2): %v", err)
	}
	defer s2.Close()

	got, ok, err := s2.Load()
	if err != nil || !ok {
		t.Fatalf("Load() after reopen = ok=%v, err=%v", ok, err)
	}
	if !got.Disinfecting {
		t.Error("disinfection flag lost across reopen")
	}
}

func TestMarkAndLastSent(t *testing.T) {
	s := testStore(t)

	_, ok, err := s.LastSent("mqtt")
	if err != nil {
		t.Fatalf("LastSent() error: %v", err)
	}
	if ok {
		t.Error("LastSent() reported a delivery in an empty store")
	}

	at := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	if err := s.MarkSent("mqtt", at); err != nil {
		t.Fatalf("MarkSent() error: %v", err)
	}

	got, ok, err := s.LastSent("mqtt")
	if err != nil || !ok {
		t.Fatalf("LastSent() = ok=%v, err=%v", ok, err)
	}
	if !got.Equal(at) {
		t.Errorf("LastSent() = %v, want %v", got, at)
	}

	// Transports track independently.
	if _, ok, _ := s.LastSent("http"); ok {
		t.Error("http transport shows a delivery it never made")
	}
}

func TestOpenInvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/path/db.sqlite"); err == nil {
		t.Error("Open() should fail for an invalid path")
	}
}
