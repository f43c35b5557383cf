package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/k64z/tek-s3/steamcm"
)

// mrcTimeout bounds the upstream CM call; the HTTP client is left
// hanging no longer than this.
const mrcTimeout = 2 * time.Second

// errNoDepotAccount means no registered account holds a license for the
// requested (app, depot) pair.
var errNoDepotAccount = errors.New("no account with a license for this depot")

type mrcResult struct {
	code      uint64
	remaining time.Duration
}

// handleMRC proxies one manifest request code. Cache hits answer
// immediately; misses dispatch a single upstream call per manifest ID no
// matter how many clients are asking, on the next account in the
// depot's round-robin rotation.
func (s *Server) handleMRC(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appID, err := strconv.ParseUint(q.Get("app_id"), 10, 32)
	if err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	depotID, err := strconv.ParseUint(q.Get("depot_id"), 10, 32)
	if err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	manifestID, err := strconv.ParseUint(q.Get("manifest_id"), 10, 64)
	if err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}

	if code, remaining, ok := s.store.LookupMRC(manifestID); ok {
		writeMRC(w, code, remaining)
		return
	}

	v, err, _ := s.flights.Do(strconv.FormatUint(manifestID, 10), func() (any, error) {
		// A concurrent flight may have populated the cache meanwhile.
		if code, remaining, ok := s.store.LookupMRC(manifestID); ok {
			return mrcResult{code: code, remaining: remaining}, nil
		}

		steamID, ok := s.store.NextDepotAccount(uint32(appID), uint32(depotID))
		if !ok {
			return nil, errNoDepotAccount
		}
		sess, ok := s.pool.SessionFor(steamID)
		if !ok {
			return nil, errNoDepotAccount
		}

		// Not the request context: followers of this flight must not be
		// failed by the leader disconnecting.
		ctx, cancel := context.WithTimeout(context.Background(), mrcTimeout)
		defer cancel()
		code, err := sess.ManifestRequestCode(ctx, uint32(appID), uint32(depotID), manifestID)
		if err != nil {
			return nil, err
		}
		return mrcResult{code: code, remaining: s.store.StoreMRC(manifestID, code)}, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, errNoDepotAccount):
			writeStatus(w, http.StatusUnauthorized)
		case steamcm.IsTimeout(err):
			writeStatus(w, http.StatusGatewayTimeout)
		default:
			s.logger.Error("manifest request code failed",
				"app_id", appID, "depot_id", depotID, "manifest_id", manifestID, "error", err)
			writeStatus(w, http.StatusInternalServerError)
		}
		return
	}

	result := v.(mrcResult)
	writeMRC(w, result.code, result.remaining)
}

func writeMRC(w http.ResponseWriter, code uint64, remaining time.Duration) {
	body := strconv.FormatUint(code, 10)
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "max-age="+strconv.Itoa(int(remaining/time.Second)))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}
