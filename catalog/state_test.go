package catalog

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/k64z/tek-s3/steamcm"
)

// makeToken assembles an unsigned JWT good enough for ParseToken, which
// never checks signatures.
func makeToken(t *testing.T, steamID uint64, exp int64, renewable bool) string {
	t.Helper()
	claims := map[string]any{
		"sub": strconv.FormatUint(steamID, 10),
		"exp": exp,
	}
	if renewable {
		claims["aud"] = []string{"client", "renew"}
	} else {
		claims["aud"] = []string{"client"}
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".c2ln"
}

func TestStateSaveLoadRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	statePath := filepath.Join(t.TempDir(), "state.json")

	s := newTestStore(t, WithStatePath(statePath), WithClock(clock))

	keepToken := makeToken(t, 1, 1_900_000_000, true)
	dropToken := makeToken(t, 2, 1_900_000_000, false)

	keepInfo, err := steamcm.ParseToken(keepToken)
	if err != nil {
		t.Fatal(err)
	}
	dropInfo, err := steamcm.ParseToken(dropToken)
	if err != nil {
		t.Fatal(err)
	}
	s.AddAccount(keepToken, keepInfo)
	s.AddAccount(dropToken, dropInfo)

	s.EmplaceApp(1, 10, "Game", 7, []uint32{5, 6})
	s.PutDepotKey(5, [32]byte{0x01})

	// Accounts flagged for removal must not be persisted.
	s.FlagRemoval(2)
	s.SyncCatalog()

	loaded := newTestStore(t, WithStatePath(statePath), WithClock(clock))
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.NumAccounts() != 1 {
		t.Fatalf("accounts: got %d, want 1", loaded.NumAccounts())
	}
	acc, ok := loaded.Account(1)
	if !ok {
		t.Fatal("account 1 missing after reload")
	}
	if acc.Token != keepToken || !acc.Info.Renewable {
		t.Error("account 1 token mangled by round trip")
	}
	if loaded.Timestamp() != s.Timestamp() {
		t.Errorf("timestamp: got %d, want %d", loaded.Timestamp(), s.Timestamp())
	}
	if key, ok := loaded.DepotKey(5); !ok || key != ([32]byte{0x01}) {
		t.Error("depot key lost in round trip")
	}

	// App names are not persisted; the depot structure is.
	raw, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatal(err)
	}
	var file struct {
		Accounts []string                  `json:"accounts"`
		Apps     map[string]map[string]any `json:"apps"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if len(file.Accounts) != 1 {
		t.Errorf("persisted accounts: got %d, want 1", len(file.Accounts))
	}
	app, ok := file.Apps["10"]
	if !ok {
		t.Fatal("app 10 missing from state file")
	}
	if _, ok := app["name"]; ok {
		t.Error("state file persists app names")
	}
}

func TestLoadDropsExpiredAndInvalidTokens(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	statePath := filepath.Join(t.TempDir(), "state.json")

	expired := makeToken(t, 3, 999_999, true)
	valid := makeToken(t, 4, 1_900_000_000, true)

	file := map[string]any{
		"timestamp":  123,
		"accounts":   []string{expired, "garbage", valid},
		"apps":       map[string]any{},
		"depot_keys": map[string]any{"5": "tooshort"},
	}
	raw, err := json.Marshal(file)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(statePath, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	s := newTestStore(t, WithStatePath(statePath), WithClock(clock))
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.NumAccounts() != 1 {
		t.Errorf("accounts: got %d, want 1", s.NumAccounts())
	}
	if _, ok := s.Account(4); !ok {
		t.Error("valid account dropped")
	}
	if _, ok := s.DepotKey(5); ok {
		t.Error("malformed depot key loaded")
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t, WithStatePath(filepath.Join(t.TempDir(), "state.json")))
	if err := s.Load(); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if s.NumAccounts() != 0 {
		t.Errorf("accounts: got %d, want 0", s.NumAccounts())
	}
}

func TestLoadBadJSON(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(statePath, []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t, WithStatePath(statePath))
	if err := s.Load(); err == nil {
		t.Fatal("expected error for unparseable state file")
	}
}
