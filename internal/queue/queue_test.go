package queue

import (
	"errors"
	"testing"
	"time"
)

func TestEnqueueAndDeliver_Success(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := q.Enqueue("evidence", []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	if q.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Pending())
	}

	var delivered []byte
	q.Deliver(func(kind string, payload []byte) (int, error) {
		delivered = payload
		return 200, nil
	})

	if string(delivered) != `{"n":1}` {
		t.Fatalf("unexpected payload delivered: %s", delivered)
	}
	if q.Pending() != 0 {
		t.Fatal("expected entry to be marked delivered")
	}
}

func TestDeliver_PerKindOrdering(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	q.Enqueue("evidence", []byte(`1`))
	q.Enqueue("evidence", []byte(`2`))
	q.Enqueue("pattern_stat", []byte(`a`))

	var seen []string
	send := func(kind string, payload []byte) (int, error) {
		seen = append(seen, kind+":"+string(payload))
		return 200, nil
	}

	q.Deliver(send) // delivers head of each kind: evidence:1, pattern_stat:a
	q.Deliver(send) // evidence:2 now at head

	if len(seen) != 3 {
		t.Fatalf("expected 3 deliveries, got %d: %v", len(seen), seen)
	}
	if seen[0] != "evidence:1" {
		t.Fatalf("expected evidence entries delivered in enqueue order, got %v", seen)
	}
}

func TestDeliver_NetworkErrorBacksOff(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	q.Enqueue("evidence", []byte(`1`))

	attempts := 0
	q.Deliver(func(kind string, payload []byte) (int, error) {
		attempts++
		return 0, errors.New("connection refused")
	})

	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if q.Pending() != 1 {
		t.Fatal("expected entry to remain pending after a network error")
	}

	// Immediately retrying should not redeliver — backoff has not elapsed.
	q.Deliver(func(kind string, payload []byte) (int, error) {
		attempts++
		return 200, nil
	})
	if attempts != 1 {
		t.Fatalf("expected no redelivery before backoff elapses, attempts=%d", attempts)
	}
}

func TestDeliver_4xxDeadLetters(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	q.Enqueue("evidence", []byte(`bad`))

	q.Deliver(func(kind string, payload []byte) (int, error) {
		return 422, nil
	})

	if q.Pending() != 0 {
		t.Fatal("expected dead-lettered entry to no longer be pending")
	}
}

func TestDeliver_429DoesNotDeadLetter(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	q.Enqueue("evidence", []byte(`throttled`))

	q.Deliver(func(kind string, payload []byte) (int, error) {
		return 429, nil
	})

	if q.Pending() != 1 {
		t.Fatal("expected a 429 to back off, not dead-letter")
	}
}

func TestOpen_ReplaysUndeliveredAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	q1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	q1.Enqueue("evidence", []byte(`1`))
	q1.Enqueue("evidence", []byte(`2`))

	q1.Deliver(func(kind string, payload []byte) (int, error) {
		return 200, nil // delivers entry "1"
	})

	q2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if q2.Pending() != 1 {
		t.Fatalf("expected the delivered entry to stay tombstoned across reopen, got pending=%d", q2.Pending())
	}
}

func TestJitteredBackoff_RespectsCap(t *testing.T) {
	d := jitteredBackoff(20) // far past the point where doubling would exceed the cap
	if d > backoffCap {
		t.Fatalf("expected backoff capped at %s, got %s", backoffCap, d)
	}
}

func TestEnforceSoftCap_DropsNonEvidenceFirst(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Shrink the cap for the test by enqueuing past a tiny synthetic
	// threshold via direct field manipulation would require internals
	// access; instead exercise the eviction helper directly.
	live := []*Entry{
		{ID: "1", Kind: "pattern_stat", EnqueuedAt: time.Unix(1, 0)},
		{ID: "2", Kind: "evidence", EnqueuedAt: time.Unix(2, 0)},
		{ID: "3", Kind: "pattern_stat", EnqueuedAt: time.Unix(3, 0)},
	}

	evicted := evictOldest(live, 2, func(e *Entry) bool { return e.Kind != evidenceKind })
	if evicted != 2 {
		t.Fatalf("expected 2 non-evidence entries evicted, got %d", evicted)
	}
	if live[1].deadLettered {
		t.Fatal("evidence entry should not be evicted while non-evidence entries remain")
	}
	_ = q
}
