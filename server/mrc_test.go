package server

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/k64z/tek-s3/steamcm"
)

func mrcRequest(appID, depotID, manifestID string) *http.Request {
	return httptest.NewRequest(http.MethodGet,
		"/mrc?app_id="+appID+"&depot_id="+depotID+"&manifest_id="+manifestID, nil)
}

func TestMRCProxiesAndCaches(t *testing.T) {
	store := newRunningStore(t)
	pool := newFakePool()
	sess := &fakeSession{
		mrc: func(appID, depotID uint32, manifestID uint64) (uint64, error) {
			if appID != 10 || depotID != 5 || manifestID != 42 {
				t.Errorf("upstream call: got (%d, %d, %d)", appID, depotID, manifestID)
			}
			return 777, nil
		},
	}
	pool.sessions[1] = sess
	s := newTestServer(t, store, pool, nil)

	w := httptest.NewRecorder()
	s.route(w, mrcRequest("10", "5", "42"))
	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "777" {
		t.Errorf("body: got %q, want 777", body)
	}
	if got := resp.Header.Get("Cache-Control"); !strings.HasPrefix(got, "max-age=") {
		t.Errorf("Cache-Control: got %q", got)
	}

	// The second request is served from the cache.
	w = httptest.NewRecorder()
	s.route(w, mrcRequest("10", "5", "42"))
	if body, _ := io.ReadAll(w.Result().Body); string(body) != "777" {
		t.Errorf("cached body: got %q, want 777", body)
	}
	if got := sess.numMRCCalls(); got != 1 {
		t.Errorf("upstream calls: got %d, want 1", got)
	}
}

func TestMRCBadRequest(t *testing.T) {
	s := newTestServer(t, newRunningStore(t), newFakePool(), nil)

	for _, target := range []string{
		"/mrc",
		"/mrc?app_id=10&depot_id=5",
		"/mrc?app_id=x&depot_id=5&manifest_id=42",
		"/mrc?app_id=10&depot_id=5&manifest_id=-1",
	} {
		w := httptest.NewRecorder()
		s.route(w, httptest.NewRequest(http.MethodGet, target, nil))
		if got := w.Result().StatusCode; got != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", target, got)
		}
	}
}

func TestMRCNoAccount(t *testing.T) {
	s := newTestServer(t, newRunningStore(t), newFakePool(), nil)

	// Unknown depot: no account in the rotation.
	w := httptest.NewRecorder()
	s.route(w, mrcRequest("10", "999", "43"))
	if got := w.Result().StatusCode; got != http.StatusUnauthorized {
		t.Errorf("unknown depot: got %d, want 401", got)
	}

	// Known depot, but the account has no live session.
	w = httptest.NewRecorder()
	s.route(w, mrcRequest("10", "5", "44"))
	if got := w.Result().StatusCode; got != http.StatusUnauthorized {
		t.Errorf("no session: got %d, want 401", got)
	}
}

func TestMRCUpstreamErrors(t *testing.T) {
	store := newRunningStore(t)
	pool := newFakePool()
	sess := &fakeSession{}
	pool.sessions[1] = sess
	s := newTestServer(t, store, pool, nil)

	sess.mrc = func(appID, depotID uint32, manifestID uint64) (uint64, error) {
		return 0, &steamcm.Error{Type: steamcm.ErrTypeBasic, Primary: steamcm.ResultTimeout}
	}
	w := httptest.NewRecorder()
	s.route(w, mrcRequest("10", "5", "45"))
	if got := w.Result().StatusCode; got != http.StatusGatewayTimeout {
		t.Errorf("timeout: got %d, want 504", got)
	}

	sess.mrc = func(appID, depotID uint32, manifestID uint64) (uint64, error) {
		return 0, errors.New("boom")
	}
	w = httptest.NewRecorder()
	s.route(w, mrcRequest("10", "5", "46"))
	if got := w.Result().StatusCode; got != http.StatusInternalServerError {
		t.Errorf("upstream failure: got %d, want 500", got)
	}
}
