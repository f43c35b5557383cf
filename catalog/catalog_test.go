package catalog

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/k64z/tek-s3/steamcm"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	opts = append([]StoreOption{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewStore(opts...)
}

func addTestAccount(t *testing.T, s *Store, steamID uint64) {
	t.Helper()
	info := steamcm.TokenInfo{SteamID: steamID, Expires: 1_900_000_000, Renewable: true}
	if !s.AddAccount(fmt.Sprintf("token-%d", steamID), info) {
		t.Fatalf("AddAccount(%d) = false", steamID)
	}
}

func TestAddAccount(t *testing.T) {
	s := newTestStore(t)
	addTestAccount(t, s, 1)

	if s.AddAccount("other-token", steamcm.TokenInfo{SteamID: 1}) {
		t.Error("duplicate AddAccount succeeded")
	}
	acc, ok := s.Account(1)
	if !ok {
		t.Fatal("Account(1) not found")
	}
	if acc.Token != "token-1" {
		t.Errorf("token: got %q, want %q", acc.Token, "token-1")
	}
	if s.NumAccounts() != 1 {
		t.Errorf("NumAccounts: got %d, want 1", s.NumAccounts())
	}
}

func TestEmplaceAppMissingKeys(t *testing.T) {
	s := newTestStore(t)
	addTestAccount(t, s, 1)

	missing := s.EmplaceApp(1, 10, "Game", 0, []uint32{3, 1, 1, 2})
	if want := []uint32{1, 2, 3}; !equalU32(missing, want) {
		t.Errorf("missing keys: got %v, want %v", missing, want)
	}

	s.PutDepotKey(2, [32]byte{0xaa})

	missing = s.EmplaceApp(1, 10, "Game", 0, []uint32{3, 1, 2})
	if want := []uint32{1, 3}; !equalU32(missing, want) {
		t.Errorf("missing keys after PutDepotKey: got %v, want %v", missing, want)
	}

	// Re-emplacing must not duplicate the account in the rotation.
	for i := 0; i < 3; i++ {
		steamID, ok := s.NextDepotAccount(10, 1)
		if !ok || steamID != 1 {
			t.Fatalf("NextDepotAccount: got (%d, %t), want (1, true)", steamID, ok)
		}
	}
}

func TestNextDepotAccountRoundRobin(t *testing.T) {
	s := newTestStore(t)
	addTestAccount(t, s, 1)
	addTestAccount(t, s, 2)

	s.EmplaceApp(1, 10, "Game", 0, []uint32{5})
	s.EmplaceApp(2, 10, "Game", 0, []uint32{5})

	var got []uint64
	for i := 0; i < 4; i++ {
		steamID, ok := s.NextDepotAccount(10, 5)
		if !ok {
			t.Fatal("NextDepotAccount reported no account")
		}
		got = append(got, steamID)
	}
	// Two accounts alternate and the cursor wraps.
	if got[0] == got[1] || got[0] != got[2] || got[1] != got[3] {
		t.Errorf("rotation broken: %v", got)
	}

	if _, ok := s.NextDepotAccount(10, 999); ok {
		t.Error("unknown depot reported an account")
	}
	if _, ok := s.NextDepotAccount(999, 5); ok {
		t.Error("unknown app reported an account")
	}
}

func TestMarkReadyTransition(t *testing.T) {
	s := newTestStore(t)
	addTestAccount(t, s, 1)
	addTestAccount(t, s, 2)

	if s.MarkReady(1) {
		t.Error("first MarkReady transitioned with an account outstanding")
	}
	if s.Status() != StatusSetup {
		t.Errorf("status: got %s, want setup", s.Status())
	}
	if !s.ReadyForRunning() {
		t.Error("ReadyForRunning = false with one account left")
	}
	if !s.MarkReady(2) {
		t.Error("last MarkReady did not transition")
	}
	if s.Status() != StatusRunning {
		t.Errorf("status: got %s, want running", s.Status())
	}
	if s.MarkReady(2) {
		t.Error("repeat MarkReady transitioned again")
	}
}

func TestEraseAccountPrunes(t *testing.T) {
	s := newTestStore(t)
	addTestAccount(t, s, 1)
	addTestAccount(t, s, 2)

	s.EmplaceApp(1, 10, "Shared", 0, []uint32{5})
	s.EmplaceApp(2, 10, "Shared", 0, []uint32{5})
	s.EmplaceApp(2, 20, "Solo", 0, []uint32{7})

	s.EraseAccount(2)

	if _, ok := s.Account(2); ok {
		t.Error("erased account still present")
	}
	// The shared depot keeps rotating through the surviving account.
	for i := 0; i < 2; i++ {
		steamID, ok := s.NextDepotAccount(10, 5)
		if !ok || steamID != 1 {
			t.Fatalf("NextDepotAccount(10, 5): got (%d, %t), want (1, true)", steamID, ok)
		}
	}
	// The app only the erased account contributed is gone.
	if _, ok := s.NextDepotAccount(20, 7); ok {
		t.Error("app of erased account still answers")
	}
}

func TestEraseAccountFinishesSetup(t *testing.T) {
	s := newTestStore(t)
	addTestAccount(t, s, 1)
	addTestAccount(t, s, 2)
	addTestAccount(t, s, 3)

	s.MarkReady(1)
	// Two accounts invalidated during setup: neither is the single last
	// one outstanding while the other is still registered.
	s.FlagRemoval(2)
	s.FlagRemoval(3)
	if s.ReadyForRunning() {
		t.Error("ReadyForRunning true with two accounts outstanding")
	}

	s.EraseAccount(2)
	if got := s.Status(); got != StatusSetup {
		t.Errorf("status after first erase: got %s, want setup", got)
	}
	if s.ReadyForRunning() {
		t.Error("ReadyForRunning true with one erased, one outstanding")
	}
	s.EraseAccount(3)
	if got := s.Status(); got != StatusRunning {
		t.Errorf("status after last erase: got %s, want running", got)
	}
}

func TestFlagAndTakeRemoval(t *testing.T) {
	s := newTestStore(t)
	addTestAccount(t, s, 1)

	if s.TakeRemoval(1) {
		t.Error("TakeRemoval true without a flag")
	}
	s.FlagRemoval(1)
	if !s.TakeRemoval(1) {
		t.Error("TakeRemoval false after FlagRemoval")
	}
	// Idempotent once promoted.
	if !s.TakeRemoval(1) {
		t.Error("TakeRemoval false after promotion")
	}
}

func TestClearAppsKeepsDepotKeys(t *testing.T) {
	s := newTestStore(t)
	addTestAccount(t, s, 1)
	s.EmplaceApp(1, 10, "Game", 0, []uint32{5})
	s.PutDepotKey(5, [32]byte{0x01})
	s.EraseAccount(1)

	s.ClearApps()
	s.FinishSetup()

	if s.Status() != StatusRunning {
		t.Errorf("status: got %s, want running", s.Status())
	}
	buffers := s.AcquireDownload()
	defer s.ReleaseDownload()
	want := `{"apps":{},"depot_keys":{"5":"AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}}`
	if got := string(buffers.JSON.Identity); got != want {
		t.Errorf("catalog JSON:\n got %s\nwant %s", got, want)
	}
}

func equalU32(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
