package catalog

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// mrcCapacity bounds the request-code cache; entries age out on Steam's
// own refresh cadence anyway.
const mrcCapacity = 128

type mrcEntry struct {
	code   uint64
	expiry time.Time
	timer  clockwork.Timer
}

// LookupMRC returns a cached manifest request code and its remaining
// lifetime.
func (s *Store) LookupMRC(manifestID uint64) (code uint64, remaining time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.mrcs[manifestID]
	if !ok {
		return 0, 0, false
	}
	return entry.code, entry.expiry.Sub(s.clock.Now()), true
}

// StoreMRC caches a manifest request code until the next Steam refresh.
// Steam refreshes request codes on every *4 and *9 minute, that is every
// 5 minutes offset by 240 seconds from the 5-minute boundary; the entry
// is scheduled for removal at that point and the remaining lifetime
// returned. A full cache evicts the entry with the smallest manifest ID.
func (s *Store) StoreMRC(manifestID, code uint64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.mrcs[manifestID]; ok {
		return entry.expiry.Sub(s.clock.Now())
	}

	if len(s.mrcs) >= mrcCapacity {
		smallest := uint64(0)
		found := false
		for id := range s.mrcs {
			if !found || id < smallest {
				smallest = id
				found = true
			}
		}
		s.evictMRCLocked(smallest)
	}

	now := s.clock.Now().Unix()
	expiry := (now+60)/300*300 + 240
	remaining := time.Duration(expiry-now) * time.Second

	entry := &mrcEntry{code: code, expiry: time.Unix(expiry, 0)}
	entry.timer = s.clock.AfterFunc(remaining, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.mrcs[manifestID] == entry {
			delete(s.mrcs, manifestID)
		}
	})
	s.mrcs[manifestID] = entry
	return remaining
}

func (s *Store) evictMRCLocked(manifestID uint64) {
	entry, ok := s.mrcs[manifestID]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(s.mrcs, manifestID)
}
