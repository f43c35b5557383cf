// Package pool is tek-s3's session manager and catalog builder: one
// long-lived upstream CM session per registered account, driven by a
// dedicated runner goroutine that signs in, sweeps the account's
// licenses into the catalog, renews the auth token ahead of expiry, and
// removes the account when Steam invalidates it.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/k64z/tek-s3/catalog"
	"github.com/k64z/tek-s3/steamcm"
)

// Per-call deadlines for upstream CM operations.
const (
	connectTimeout  = 5 * time.Second
	signInTimeout   = 5 * time.Second
	renewTimeout    = 5 * time.Second
	licensesTimeout = 10 * time.Second
	picsTimeout     = 10 * time.Second
	depotKeyTimeout = 3 * time.Second

	// renewalLead is how long before token expiry a renewal is attempted.
	renewalLead = 7 * 24 * time.Hour
)

// Pool owns the per-account CM sessions and their runner goroutines.
type Pool struct {
	store    *catalog.Store
	provider steamcm.Provider
	logger   *slog.Logger
	clock    clockwork.Clock

	mu       sync.Mutex
	sessions map[uint64]steamcm.Session
	runners  map[uint64]*runner
	renewals map[uint64]clockwork.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mgrCh  chan mgrEvent

	fatalFn   func(error)
	fatalOnce sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock sets the clock used for renewal scheduling.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithFatalHandler sets the function invoked (once) when an upstream
// failure is fatal: a CM connect failure or an unclassified sign-in
// failure. The handler is expected to initiate shutdown with a non-zero
// exit code.
func WithFatalHandler(fn func(error)) Option {
	return func(p *Pool) { p.fatalFn = fn }
}

// New creates a Pool over the given store and CM provider.
func New(store *catalog.Store, provider steamcm.Provider, opts ...Option) *Pool {
	p := &Pool{
		store:    store,
		provider: provider,
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		sessions: make(map[uint64]steamcm.Session),
		runners:  make(map[uint64]*runner),
		renewals: make(map[uint64]clockwork.Timer),
		mgrCh:    make(chan mgrEvent, 16),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches a runner per registered account. With no accounts the
// app tree left over from the state file is cleared and the process goes
// straight to running.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.manage()

	accounts := p.store.Accounts()
	if len(accounts) == 0 {
		p.store.ClearApps()
		p.store.FinishSetup()
		return
	}
	for _, acc := range accounts {
		p.startRunner(acc.SteamID)
	}
}

// Stop marks the process stopping, disconnects every session, and waits
// for all runners to observe the disconnect and exit.
func (p *Pool) Stop() {
	p.store.SetStatus(catalog.StatusStopping)
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	for _, sess := range p.sessions {
		sess.Disconnect()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// SessionFor returns the CM session of a registered account. The MRC
// path uses it after round-robin account selection.
func (p *Pool) SessionFor(steamID uint64) (steamcm.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[steamID]
	return sess, ok
}

// AddSignedIn hands over a refresh token captured by the sign-in bridge:
// a new account is registered and its runner started; for an existing
// account the token replaces the current one only when it is renewable
// and the current one is not; otherwise it is discarded.
func (p *Pool) AddSignedIn(token string) {
	info, err := steamcm.ParseToken(token)
	if err != nil {
		p.logger.Warn("discarding sign-in token", "error", err)
		return
	}

	if acc, ok := p.store.Account(info.SteamID); ok {
		if !info.Renewable || acc.Info.Renewable {
			p.logger.Info("account already registered, discarding new token", "steam_id", info.SteamID)
			return
		}
		p.logger.Info("replacing token with a renewable one", "steam_id", info.SteamID)
		p.store.UpdateToken(info.SteamID, token, info)
		p.store.SyncCatalog()
		// The runner reconnects and picks up the new token.
		if sess, ok := p.SessionFor(info.SteamID); ok {
			sess.Disconnect()
		}
		return
	}

	if !p.store.AddAccount(token, info) {
		return
	}
	p.logger.Info("account added", "steam_id", info.SteamID)
	p.store.SyncCatalog()
	p.startRunner(info.SteamID)
}

func (p *Pool) startRunner(steamID uint64) {
	if p.ctx.Err() != nil {
		return
	}
	r := &runner{
		pool:    p,
		steamID: steamID,
		session: p.provider.NewSession(),
		renewCh: make(chan struct{}, 1),
		logger:  p.logger.With(slog.Uint64("steam_id", steamID)),
	}

	p.mu.Lock()
	p.sessions[steamID] = r.session
	p.runners[steamID] = r
	p.mu.Unlock()

	p.wg.Add(1)
	go r.run(p.ctx)
}

// mgrEvent is a nudge to the manager goroutine, which is the only place
// renewal timers are armed or cancelled.
type mgrEvent struct {
	steamID uint64
	at      time.Time
	cancel  bool
}

// armRenewal asks the manager to schedule a token renewal.
func (p *Pool) armRenewal(steamID uint64, at time.Time) {
	select {
	case p.mgrCh <- mgrEvent{steamID: steamID, at: at}:
	case <-p.ctx.Done():
	}
}

func (p *Pool) cancelRenewal(steamID uint64) {
	select {
	case p.mgrCh <- mgrEvent{steamID: steamID, cancel: true}:
	case <-p.ctx.Done():
	}
}

// manage serializes renewal-timer scheduling so that timers are never
// armed from runner goroutines mid-callback.
func (p *Pool) manage() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.mu.Lock()
			for id, timer := range p.renewals {
				timer.Stop()
				delete(p.renewals, id)
			}
			p.mu.Unlock()
			return
		case ev := <-p.mgrCh:
			p.mu.Lock()
			if timer, ok := p.renewals[ev.steamID]; ok {
				timer.Stop()
				delete(p.renewals, ev.steamID)
			}
			if !ev.cancel {
				steamID := ev.steamID
				d := max(ev.at.Sub(p.clock.Now()), 0)
				p.renewals[steamID] = p.clock.AfterFunc(d, func() {
					p.mu.Lock()
					r := p.runners[steamID]
					p.mu.Unlock()
					if r != nil {
						r.signalRenew()
					}
				})
			}
			p.mu.Unlock()
		}
	}
}

// removeAccount finishes the removal of an invalidated account after its
// connection dropped: the renewal timer is cancelled, the session and
// runner are dropped, and the account is erased from the catalog.
func (p *Pool) removeAccount(steamID uint64) {
	p.cancelRenewal(steamID)
	p.mu.Lock()
	delete(p.sessions, steamID)
	delete(p.runners, steamID)
	p.mu.Unlock()
	p.store.EraseAccount(steamID)
}

// fatal reports an unrecoverable upstream failure, once.
func (p *Pool) fatal(err error) {
	p.fatalOnce.Do(func() {
		p.logger.Error("fatal upstream error", "error", err)
		if p.fatalFn != nil {
			go p.fatalFn(err)
		}
	})
}
