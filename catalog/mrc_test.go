package catalog

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestStoreMRCExpiryAlignment(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	s := newTestStore(t, WithClock(clock))

	// Steam refreshes request codes on every *4 and *9 minute; from
	// 1000000 the next boundary is 1000140.
	remaining := s.StoreMRC(42, 777)
	if want := 140 * time.Second; remaining != want {
		t.Fatalf("remaining: got %v, want %v", remaining, want)
	}

	code, remaining, ok := s.LookupMRC(42)
	if !ok || code != 777 {
		t.Fatalf("LookupMRC: got (%d, %t), want (777, true)", code, ok)
	}
	if want := 140 * time.Second; remaining != want {
		t.Errorf("lookup remaining: got %v, want %v", remaining, want)
	}

	clock.Advance(139 * time.Second)
	if _, _, ok := s.LookupMRC(42); !ok {
		t.Error("entry expired early")
	}
	clock.Advance(2 * time.Second)
	if _, _, ok := s.LookupMRC(42); ok {
		t.Error("entry survived its expiry")
	}
}

func TestStoreMRCDuplicate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	s := newTestStore(t, WithClock(clock))

	s.StoreMRC(42, 777)
	clock.Advance(30 * time.Second)

	remaining := s.StoreMRC(42, 999)
	if want := 110 * time.Second; remaining != want {
		t.Errorf("duplicate remaining: got %v, want %v", remaining, want)
	}
	code, _, _ := s.LookupMRC(42)
	if code != 777 {
		t.Errorf("duplicate overwrote code: got %d, want 777", code)
	}
}

func TestStoreMRCEvictsSmallest(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	s := newTestStore(t, WithClock(clock))

	for id := uint64(1); id <= mrcCapacity; id++ {
		s.StoreMRC(id, id*10)
	}
	s.StoreMRC(1000, 10000)

	if _, _, ok := s.LookupMRC(1); ok {
		t.Error("smallest entry not evicted")
	}
	if _, _, ok := s.LookupMRC(2); !ok {
		t.Error("non-smallest entry evicted")
	}
	if code, _, ok := s.LookupMRC(1000); !ok || code != 10000 {
		t.Errorf("new entry: got (%d, %t), want (10000, true)", code, ok)
	}
}
