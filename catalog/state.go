package catalog

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/k64z/tek-s3/steamcm"
)

// stateApp is one app entry as persisted in state.json. Names are not
// persisted; they are rediscovered from PICS on the next sweep.
type stateApp struct {
	PICSAccessToken uint64   `json:"pics_at,omitempty"`
	Depots          []uint32 `json:"depots"`
}

type stateFile struct {
	Timestamp uint64               `json:"timestamp"`
	Accounts  []string             `json:"accounts"`
	Apps      map[string]*stateApp `json:"apps"`
	DepotKeys map[string]string    `json:"depot_keys"`
}

// Load reads the state file into the store. A missing file initializes a
// new state; any other failure is an error (fatal at startup). Tokens
// that do not parse or whose expiry has passed are dropped with a
// warning.
func (s *Store) Load() error {
	if s.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("state file not found, initializing new state", "path", s.statePath)
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse state file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.timestamp = int64(file.Timestamp)

	now := s.clock.Now().Unix()
	for _, token := range file.Accounts {
		info, err := steamcm.ParseToken(token)
		if err != nil {
			s.logger.Warn("auth token is invalid, skipping it", "error", err)
			continue
		}
		if info.Expires <= now {
			s.logger.Warn("auth token has expired, skipping it", "steam_id", info.SteamID)
			continue
		}
		if _, ok := s.accounts[info.SteamID]; ok {
			continue
		}
		s.accounts[info.SteamID] = &Account{SteamID: info.SteamID, Token: token, Info: info}
	}

	for idStr, app := range file.Apps {
		appID, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil || app == nil {
			continue
		}
		entry, ok := s.apps[uint32(appID)]
		if !ok {
			entry = &App{Depots: make(map[uint32]*Depot)}
			s.apps[uint32(appID)] = entry
		}
		entry.PICSAccessToken = app.PICSAccessToken
		for _, depotID := range app.Depots {
			if _, ok := entry.Depots[depotID]; !ok {
				entry.Depots[depotID] = &Depot{}
			}
		}
	}

	for idStr, b64 := range file.DepotKeys {
		depotID, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil || len(b64) != 44 {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil || len(raw) != 32 {
			continue
		}
		var key [32]byte
		copy(key[:], raw)
		s.depotKeys[uint32(depotID)] = key
	}

	return nil
}

// saveStateLocked writes state.json. Accounts flagged for removal are
// omitted; maps are written in ascending numeric key order, matching the
// catalog serializers. Write failures are logged and tolerated.
func (s *Store) saveStateLocked() {
	if s.statePath == "" {
		return
	}

	apps, keys := s.sortedEntriesLocked()

	var buf bytes.Buffer
	buf.WriteString(`{"timestamp":`)
	buf.WriteString(strconv.FormatInt(s.timestamp, 10))
	buf.WriteString(`,"accounts":[`)
	first := true
	for _, acc := range s.sortedAccountsLocked() {
		if acc.removal != RemoveNone {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeJSONString(&buf, acc.Token)
	}
	buf.WriteString(`],"apps":{`)
	for i, app := range apps {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strconv.FormatUint(uint64(app.id), 10))
		buf.WriteString(`":{`)
		if app.picsAT != 0 {
			buf.WriteString(`"pics_at":`)
			buf.WriteString(strconv.FormatUint(app.picsAT, 10))
			buf.WriteByte(',')
		}
		buf.WriteString(`"depots":[`)
		for j, depotID := range app.depots {
			if j > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.FormatUint(uint64(depotID), 10))
		}
		buf.WriteString(`]}`)
	}
	buf.WriteString(`},"depot_keys":{`)
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strconv.FormatUint(uint64(key.id), 10))
		buf.WriteString(`":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(key.key[:]))
		buf.WriteByte('"')
	}
	buf.WriteString(`}}`)

	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		s.logger.Error("cannot save state: failed to create state directory", "error", err)
		return
	}
	if err := os.WriteFile(s.statePath, buf.Bytes(), 0o600); err != nil {
		s.logger.Error("cannot save state: failed to write state file", "error", err)
	}
}

// sortedAccountsLocked returns the accounts in ascending Steam ID order
// for deterministic state files.
func (s *Store) sortedAccountsLocked() []*Account {
	accs := make([]*Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		accs = append(accs, acc)
	}
	slices.SortFunc(accs, func(a, b *Account) int {
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
