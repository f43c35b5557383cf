package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/k64z/tek-s3/catalog"
	"github.com/k64z/tek-s3/steamcm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePool records handed-over tokens and serves scripted sessions.
type fakePool struct {
	mu       sync.Mutex
	sessions map[uint64]steamcm.Session
	added    []string
	addedCh  chan string
}

func newFakePool() *fakePool {
	return &fakePool{
		sessions: make(map[uint64]steamcm.Session),
		addedCh:  make(chan string, 4),
	}
}

func (p *fakePool) SessionFor(steamID uint64) (steamcm.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[steamID]
	return sess, ok
}

func (p *fakePool) AddSignedIn(token string) {
	p.mu.Lock()
	p.added = append(p.added, token)
	p.mu.Unlock()
	p.addedCh <- token
}

// fakeSession only answers manifest request codes; the server never
// touches the rest of the interface.
type fakeSession struct {
	mu       sync.Mutex
	mrcCalls int
	mrc      func(appID, depotID uint32, manifestID uint64) (uint64, error)
}

func (s *fakeSession) ManifestRequestCode(ctx context.Context, appID, depotID uint32, manifestID uint64) (uint64, error) {
	s.mu.Lock()
	s.mrcCalls++
	s.mu.Unlock()
	return s.mrc(appID, depotID, manifestID)
}

func (s *fakeSession) numMRCCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mrcCalls
}

func (s *fakeSession) Connect(ctx context.Context) error { return nil }

func (s *fakeSession) SignIn(ctx context.Context, token string) error { return nil }

func (s *fakeSession) RenewToken(ctx context.Context, token string) (string, error) {
	return "", nil
}
func (s *fakeSession) Licenses(ctx context.Context) ([]steamcm.License, error) { return nil, nil }

func (s *fakeSession) PackageInfo(ctx context.Context, licenses []steamcm.License) ([]steamcm.ProductBlob, error) {
	return nil, nil
}
func (s *fakeSession) AppAccessTokens(ctx context.Context, appIDs []uint32) (map[uint32]uint64, error) {
	return nil, nil
}
func (s *fakeSession) AppInfo(ctx context.Context, apps []steamcm.PICSApp) ([]steamcm.ProductBlob, error) {
	return nil, nil
}
func (s *fakeSession) DepotKey(ctx context.Context, appID, depotID uint32) ([32]byte, error) {
	return [32]byte{}, nil
}
func (s *fakeSession) Disconnect() error { return nil }

func (s *fakeSession) Done() <-chan struct{} { return nil }

func (s *fakeSession) Err() error { return nil }

// newRunningStore builds a store with one account, one app with a keyed
// depot, and the catalog serialized, in running state.
func newRunningStore(t *testing.T) *catalog.Store {
	t.Helper()
	store := catalog.NewStore(catalog.WithLogger(discardLogger()))
	store.AddAccount("tok-1", steamcm.TokenInfo{SteamID: 1, Expires: 1_900_000_000, Renewable: true})
	store.EmplaceApp(1, 10, "Test Game", 0, []uint32{5})
	store.PutDepotKey(5, [32]byte{0x01})
	// Bulk for the compression negotiation tests.
	for i := uint32(0); i < 24; i++ {
		store.EmplaceApp(1, 100+i, "A Considerably Longer Application Name", 0, []uint32{200 + i})
	}
	store.FinishSetup()
	if store.Status() != catalog.StatusRunning {
		t.Fatal("store did not reach running state")
	}
	return store
}

func newTestServer(t *testing.T, store *catalog.Store, pool Pool, provider steamcm.Provider) *Server {
	t.Helper()
	return New(store, pool, provider, WithLogger(discardLogger()), WithVersion("test"))
}

func makeSigninToken(t *testing.T, steamID uint64, exp int64, renewable bool) string {
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
