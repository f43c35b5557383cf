// Package catalog holds tek-s3's shared state: the registered accounts,
// the app/depot tree derived from them, depot decryption keys, the
// serialized catalog buffers served over HTTP, the manifest request code
// cache, and the persisted state file.
package catalog

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/k64z/tek-s3/steamcm"
)

// Status is the global process status. The HTTP server only answers
// catalog and MRC requests while the process is running.
type Status int32

const (
	StatusSetup Status = iota
	StatusRunning
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusSetup:
		return "setup"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	}
	return "unknown"
}

// RemoveStatus tracks removal of an account whose token Steam invalidated.
// The sign-in handler flags pending-remove; the disconnect path promotes
// it to remove-now, after which the account is erased.
type RemoveStatus int32

const (
	RemoveNone RemoveStatus = iota
	RemovePending
	RemoveNow
)

// Account is one registered Steam account.
type Account struct {
	SteamID uint64
	Token   string
	Info    steamcm.TokenInfo

	removal RemoveStatus
	ready   bool
}

// App is one application entry in the catalog.
type App struct {
	Name            string
	PICSAccessToken uint64
	Depots          map[uint32]*Depot
}

// Depot tracks which accounts hold a license for a depot. Requests for
// manifest request codes rotate through them via the next cursor. The
// account list of a depot present in the catalog is never empty; a depot
// whose last account is removed is erased, and so is an app whose last
// depot is erased.
type Depot struct {
	Accounts []uint64 // Steam IDs
	next     int
}

// Store is the root shared state. All fields are guarded by mu except
// status, which is atomic, and the serialized buffers, which are guarded
// by the download lock (swapped under its write side, streamed under its
// read side).
type Store struct {
	mu sync.Mutex

	accounts  map[uint64]*Account
	apps      map[uint32]*App
	depotKeys map[uint32][32]byte
	mrcs      map[uint64]*mrcEntry

	timestamp    int64 // Unix seconds of the last catalog change
	catalogDirty bool
	stateDirty   bool
	readyAccs    int

	status atomic.Int32

	download sync.RWMutex
	buffers  Buffers

	statePath string
	clock     clockwork.Clock
	logger    *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStatePath sets the path of the persisted state file. An empty path
// disables persistence.
func WithStatePath(path string) StoreOption {
	return func(s *Store) { s.statePath = path }
}

// WithClock sets the clock used for timestamps and MRC expiry.
func WithClock(c clockwork.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty store in setup status.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		accounts:  make(map[uint64]*Account),
		apps:      make(map[uint32]*App),
		depotKeys: make(map[uint32][32]byte),
		mrcs:      make(map[uint64]*mrcEntry),
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current process status.
func (s *Store) Status() Status {
	return Status(s.status.Load())
}

// SetStatus sets the process status.
func (s *Store) SetStatus(v Status) {
	s.status.Store(int32(v))
}

// Timestamp returns the Unix time of the last catalog change.
func (s *Store) Timestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}

// Accounts returns a snapshot of the registered accounts.
func (s *Store) Accounts() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	accs := make([]Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		accs = append(accs, *acc)
	}
	slices.SortFunc(accs, func(a, b Account) int {
		if a.SteamID < b.SteamID {
			return -1
		}
		if a.SteamID > b.SteamID {
			return 1
		}
		return 0
	})
	return accs
}

// NumAccounts returns the number of registered accounts.
func (s *Store) NumAccounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// Account returns a snapshot of one account.
func (s *Store) Account(steamID uint64) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[steamID]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

// AddAccount registers a new account. It reports false without modifying
// anything when an account with the same Steam ID already exists.
// The caller decides whether to serialize afterwards.
func (s *Store) AddAccount(token string, info steamcm.TokenInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[info.SteamID]; ok {
		return false
	}
	s.accounts[info.SteamID] = &Account{SteamID: info.SteamID, Token: token, Info: info}
	s.stateDirty = true
	return true
}

// UpdateToken replaces an account's token, marking the state dirty.
func (s *Store) UpdateToken(steamID uint64, token string, info steamcm.TokenInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[steamID]
	if !ok {
		return
	}
	acc.Token = token
	acc.Info = info
	s.stateDirty = true
}

// FlagRemoval marks an account pending-remove after Steam invalidated its
// token. The account stops being persisted immediately; it is erased once
// its connection drops.
func (s *Store) FlagRemoval(steamID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[steamID]
	if !ok {
		return
	}
	acc.removal = RemovePending
	s.stateDirty = true
}

// TakeRemoval promotes a pending removal to remove-now. It reports
// whether removal was requested for the account.
func (s *Store) TakeRemoval(steamID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[steamID]
	if !ok {
		return false
	}
	if acc.removal == RemovePending {
		acc.removal = RemoveNow
	}
	return acc.removal == RemoveNow
}

// EraseAccount removes an account from the store, strips it from every
// depot's rotation, prunes the emptied entries, and re-serializes. When
// the erased account was the last one holding setup open, the process
// transitions to running.
func (s *Store) EraseAccount(steamID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[steamID]
	if !ok {
		return
	}
	if acc.ready {
		s.readyAccs--
	}
	delete(s.accounts, steamID)
	s.removeFromDepotsLocked(steamID)
	// Several accounts can be invalidated during setup; each sign-in
	// failure alone does not finish setup then, so re-check here after
	// the map shrank.
	if Status(s.status.Load()) == StatusSetup && s.readyAccs == len(s.accounts) {
		s.status.Store(int32(StatusRunning))
	}
	s.syncLocked()
}

// removeFromDepotsLocked strips steamID from all depot rotations.
func (s *Store) removeFromDepotsLocked(steamID uint64) {
	for _, app := range s.apps {
		for _, depot := range app.Depots {
			if i := slices.Index(depot.Accounts, steamID); i >= 0 {
				depot.Accounts = slices.Delete(depot.Accounts, i, i+1)
				depot.next = 0
			}
		}
	}
}

// PruneAccount strips a flagged account from every depot's rotation and
// re-serializes. Used while running, before the account's connection has
// dropped.
func (s *Store) PruneAccount(steamID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeFromDepotsLocked(steamID)
	s.syncLocked()
}

// MarkReady flags an account's initial catalog sweep as complete. During
// setup, when the last account becomes ready, the catalog is emitted and
// the process transitions to running; it reports whether that transition
// happened. While running it is a no-op beyond the flag.
func (s *Store) MarkReady(steamID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[steamID]
	if !ok || acc.ready {
		return false
	}
	acc.ready = true
	s.readyAccs++
	if Status(s.status.Load()) == StatusSetup && s.readyAccs == len(s.accounts) {
		s.syncLocked()
		s.status.Store(int32(StatusRunning))
		return true
	}
	return false
}

// ReadyForRunning reports whether every account but one is ready. The
// sign-in failure path uses it to finish setup when the last
// not-yet-ready account turns out to be invalidated.
func (s *Store) ReadyForRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyAccs == len(s.accounts)-1
}

// FinishSetup emits the catalog and transitions setup to running.
func (s *Store) FinishSetup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
	s.status.Store(int32(StatusRunning))
}

// EmplaceApp records that an account owns the given depots of an app,
// stores the app's name and PICS access token, and returns the subset of
// the depots that have no decryption key yet, in ascending order.
func (s *Store) EmplaceApp(steamID uint64, appID uint32, name string, picsAT uint64, depotIDs []uint32) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(depotIDs) == 0 {
		return nil
	}
	app, ok := s.apps[appID]
	if !ok {
		app = &App{Depots: make(map[uint32]*Depot)}
		s.apps[appID] = app
		s.catalogDirty = true
	}
	if name != "" {
		app.Name = name
	}
	app.PICSAccessToken = picsAT

	var missing []uint32
	for _, depotID := range depotIDs {
		depot, ok := app.Depots[depotID]
		if !ok {
			depot = &Depot{}
			app.Depots[depotID] = depot
			s.catalogDirty = true
		}
		if !slices.Contains(depot.Accounts, steamID) {
			depot.Accounts = append(depot.Accounts, steamID)
			depot.next = 0
		}
		if _, ok := s.depotKeys[depotID]; !ok {
			missing = append(missing, depotID)
		}
	}
	slices.Sort(missing)
	return slices.Compact(missing)
}

// PutDepotKey stores a depot decryption key. Keys are retained for the
// life of the process.
func (s *Store) PutDepotKey(depotID uint32, key [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depotKeys[depotID] = key
	s.catalogDirty = true
}

// DepotKey returns a stored depot decryption key.
func (s *Store) DepotKey(depotID uint32) ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.depotKeys[depotID]
	return key, ok
}

// NextDepotAccount returns the Steam ID of the next account to ask for a
// manifest request code of the given depot and advances the round-robin
// cursor. It reports false when no registered account holds a license for
// the (app, depot) pair.
func (s *Store) NextDepotAccount(appID, depotID uint32) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	if !ok {
		return 0, false
	}
	depot, ok := app.Depots[depotID]
	if !ok || len(depot.Accounts) == 0 {
		return 0, false
	}
	steamID := depot.Accounts[depot.next]
	depot.next++
	if depot.next == len(depot.Accounts) {
		depot.next = 0
	}
	return steamID, true
}

// ClearApps drops the whole app tree. Used at startup when no accounts
// survived the state load; depot keys are kept.
func (s *Store) ClearApps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.apps) != 0 {
		s.apps = make(map[uint32]*App)
		s.catalogDirty = true
	}
}

// SyncCatalog prunes depots whose account list is empty and apps whose
// depot map is empty, then re-serializes the catalog and, if needed,
// saves the state file.
func (s *Store) SyncCatalog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
}

func (s *Store) syncLocked() {
	for appID, app := range s.apps {
		for depotID, depot := range app.Depots {
			if len(depot.Accounts) == 0 {
				delete(app.Depots, depotID)
				s.catalogDirty = true
			}
		}
		if len(app.Depots) == 0 {
			delete(s.apps, appID)
			s.catalogDirty = true
		}
	}
	s.serializeLocked()
}
