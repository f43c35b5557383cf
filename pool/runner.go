package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/k64z/tek-s3/catalog"
	"github.com/k64z/tek-s3/steamcm"
)

// runner drives one account's CM session: connect, sign in, sweep the
// catalog, then idle until the connection drops or a renewal fires.
type runner struct {
	pool    *Pool
	steamID uint64
	session steamcm.Session
	renewCh chan struct{}
	logger  *slog.Logger
}

func (r *runner) signalRenew() {
	select {
	case r.renewCh <- struct{}{}:
	default:
	}
}

func (r *runner) run(ctx context.Context) {
	defer r.pool.wg.Done()
	for {
		reconnect := r.cycle(ctx)
		if r.pool.store.TakeRemoval(r.steamID) {
			r.logger.Info("removing invalidated account")
			r.pool.removeAccount(r.steamID)
			return
		}
		if !reconnect || ctx.Err() != nil || r.pool.store.Status() == catalog.StatusStopping {
			return
		}
	}
}

// cycle is one connection's lifetime. It reports whether the runner
// should reconnect.
func (r *runner) cycle(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	err := r.session.Connect(cctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.pool.fatal(fmt.Errorf("connect to Steam CM: %w", err))
		return false
	}
	defer r.session.Disconnect()

	acc, ok := r.pool.store.Account(r.steamID)
	if !ok {
		return false
	}
	if acc.Info.Renewable {
		expiry := time.Unix(acc.Info.Expires, 0)
		if expiry.Sub(r.pool.clock.Now()) < renewalLead {
			// Too close to expiry: renew on this fresh connection
			// instead of signing in, then reconnect with the
			// current token.
			r.renewToken(ctx)
			return true
		}
		r.pool.armRenewal(r.steamID, expiry.Add(-renewalLead))
	}

	sctx, cancel := context.WithTimeout(ctx, signInTimeout)
	err = r.session.SignIn(sctx, acc.Token)
	cancel()
	switch {
	case err == nil:
	case steamcm.IsAccessDenied(err) || steamcm.IsInvalidSignature(err):
		r.logger.Warn("Steam invalidated the account's token", "error", err)
		r.pool.store.FlagRemoval(r.steamID)
		switch r.pool.store.Status() {
		case catalog.StatusSetup:
			// This account was the last one holding setup open.
			if r.pool.store.ReadyForRunning() {
				r.pool.store.FinishSetup()
			}
		case catalog.StatusRunning:
			r.pool.store.PruneAccount(r.steamID)
		}
		return true
	case steamcm.IsServiceUnavailable(err) || steamcm.IsTimeout(err):
		r.logger.Warn("sign-in did not go through, reconnecting", "error", err)
		return true
	case errors.Is(err, steamcm.ErrDisconnected) || ctx.Err() != nil:
		return true
	default:
		r.pool.fatal(fmt.Errorf("sign in account %d: %w", r.steamID, err))
		return false
	}

	if err := r.pipeline(ctx); err != nil {
		if ctx.Err() == nil && !errors.Is(err, steamcm.ErrDisconnected) {
			r.logger.Error("catalog sweep failed", "error", err)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.session.Done():
			if err := r.session.Err(); err != nil {
				r.logger.Warn("connection to Steam CM lost", "error", err)
			}
			return true
		case <-r.renewCh:
			r.renewToken(ctx)
		}
	}
}

// renewToken performs one renewal attempt and then drops the session;
// the next connection picks up whichever token is current. On success
// the next renewal is armed against the new expiry.
func (r *runner) renewToken(ctx context.Context) {
	defer r.session.Disconnect()

	acc, ok := r.pool.store.Account(r.steamID)
	if !ok || !acc.Info.Renewable {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, renewTimeout)
	renewed, err := r.session.RenewToken(rctx, acc.Token)
	cancel()
	if err != nil {
		r.logger.Warn("token renewal failed", "error", err)
		return
	}
	if renewed == "" {
		r.logger.Debug("token not renewed yet")
		return
	}

	info, err := steamcm.ParseToken(renewed)
	if err != nil {
		r.logger.Warn("renewed token is invalid, keeping the old one", "error", err)
		return
	}
	r.logger.Info("auth token renewed", "expires", time.Unix(info.Expires, 0))
	r.pool.store.UpdateToken(r.steamID, renewed, info)
	r.pool.store.SyncCatalog()
	if info.Renewable {
		r.pool.armRenewal(r.steamID, time.Unix(info.Expires, 0).Add(-renewalLead))
	}
}
