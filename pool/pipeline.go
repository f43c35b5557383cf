package pool

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/k64z/tek-s3/catalog"
	"github.com/k64z/tek-s3/steamcm"
)

// depotKeyBurst caps concurrent in-flight depot key requests; the CM
// silently drops bigger bursts.
const depotKeyBurst = 5

type depotRef struct {
	appID   uint32
	depotID uint32
}

// pipeline sweeps the signed-in account's licenses into the catalog:
// licenses, package info, app access tokens, app info, then the
// decryption keys for depots the catalog has none for.
func (r *runner) pipeline(ctx context.Context) error {
	store := r.pool.store

	lctx, cancel := context.WithTimeout(ctx, licensesTimeout)
	licenses, err := r.session.Licenses(lctx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch licenses: %w", err)
	}
	if len(licenses) == 0 {
		r.logger.Warn("account owns no licenses, nothing to contribute")
		store.MarkReady(r.steamID)
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, picsTimeout)
	pkgBlobs, err := r.session.PackageInfo(pctx, licenses)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch package info: %w", err)
	}

	// The work set is every depot ID any owned package mentions; app info
	// depot listings are filtered against it.
	appSet := make(map[uint32]struct{})
	workSet := make(map[uint32]struct{})
	for _, blob := range pkgBlobs {
		appIDs, depotIDs := packageIDs(blob.Data)
		for _, id := range appIDs {
			appSet[id] = struct{}{}
		}
		for _, id := range depotIDs {
			workSet[id] = struct{}{}
		}
	}

	appIDs := make([]uint32, 0, len(appSet))
	for id := range appSet {
		appIDs = append(appIDs, id)
	}
	slices.Sort(appIDs)

	tctx, cancel := context.WithTimeout(ctx, picsTimeout)
	tokens, err := r.session.AppAccessTokens(tctx, appIDs)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch app access tokens: %w", err)
	}

	apps := make([]steamcm.PICSApp, 0, len(appIDs))
	for _, id := range appIDs {
		apps = append(apps, steamcm.PICSApp{AppID: id, AccessToken: tokens[id]})
	}

	actx, cancel := context.WithTimeout(ctx, picsTimeout)
	appBlobs, err := r.session.AppInfo(actx, apps)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch app info: %w", err)
	}

	var missing []depotRef
	for _, blob := range appBlobs {
		info, err := parseAppInfo(blob.Data, workSet)
		if err != nil {
			return fmt.Errorf("app %d: %w", blob.ID, err)
		}
		if len(info.depotIDs) == 0 {
			continue
		}
		for _, depotID := range store.EmplaceApp(r.steamID, blob.ID, info.name, tokens[blob.ID], info.depotIDs) {
			missing = append(missing, depotRef{appID: blob.ID, depotID: depotID})
		}
	}

	// The account contributes to the catalog from here on; depot keys
	// trail in and trigger a re-emit once complete.
	if !store.MarkReady(r.steamID) && store.Status() == catalog.StatusRunning {
		store.SyncCatalog()
	}

	if len(missing) == 0 {
		return nil
	}
	slices.SortFunc(missing, func(a, b depotRef) int {
		if a.appID != b.appID {
			return int(a.appID) - int(b.appID)
		}
		return int(a.depotID) - int(b.depotID)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(depotKeyBurst)
	for _, ref := range missing {
		g.Go(func() error {
			return r.fetchDepotKey(gctx, ref)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if store.Status() == catalog.StatusRunning {
		store.SyncCatalog()
	}
	return nil
}

// fetchDepotKey requests one depot key, re-sending for as long as the
// requests time out. The CM routinely drops these under load.
func (r *runner) fetchDepotKey(ctx context.Context, ref depotRef) error {
	for {
		kctx, cancel := context.WithTimeout(ctx, depotKeyTimeout)
		key, err := r.session.DepotKey(kctx, ref.appID, ref.depotID)
		cancel()
		switch {
		case err == nil:
			r.pool.store.PutDepotKey(ref.depotID, key)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case steamcm.IsTimeout(err):
			// Re-send.
		case steamcm.IsBlocked(err):
			// Pre-release depot, no key to be had.
			return nil
		default:
			return fmt.Errorf("depot %d key: %w", ref.depotID, err)
		}
	}
}
