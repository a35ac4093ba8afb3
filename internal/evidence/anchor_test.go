package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnchor_SubmitStoresProofHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("fake-ots-proof-bytes"))
	}))
	defer srv.Close()

	a := NewAnchor([]string{srv.URL}, true)

	sum := sha256.Sum256([]byte("bundle content"))
	hash := hex.EncodeToString(sum[:])

	handle, err := a.Submit(context.Background(), hash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == "" {
		t.Fatal("expected a non-empty proof handle")
	}
	if a.PendingCount() != 1 {
		t.Fatalf("expected 1 pending proof, got %d", a.PendingCount())
	}
}

func TestAnchor_SubmitFailsOverToNextCalendar(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("proof"))
	}))
	defer good.Close()

	a := NewAnchor([]string{bad.URL, good.URL}, true)

	sum := sha256.Sum256([]byte("other content"))
	hash := hex.EncodeToString(sum[:])

	handle, err := a.Submit(context.Background(), hash)
	if err != nil {
		t.Fatalf("expected fallback to the second calendar to succeed, got: %v", err)
	}
	if handle == "" {
		t.Fatal("expected a proof handle from the fallback calendar")
	}
}

func TestAnchor_UpgradeConfirmsAndClearsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/digest":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("proof"))
		case "/timestamp/upgrade":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	a := NewAnchor([]string{srv.URL}, true)
	sum := sha256.Sum256([]byte("yet more content"))
	hash := hex.EncodeToString(sum[:])

	if _, err := a.Submit(context.Background(), hash); err != nil {
		t.Fatal(err)
	}
	if a.PendingCount() != 1 {
		t.Fatalf("expected 1 pending before upgrade, got %d", a.PendingCount())
	}

	n := a.Upgrade(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 proof upgraded, got %d", n)
	}
	if a.PendingCount() != 0 {
		t.Fatalf("expected pending set to be cleared after confirmation, got %d", a.PendingCount())
	}
}
