package catalog

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"slices"
	"strconv"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Encoded is one serialized catalog representation with its pre-computed
// compressed variants. A variant is nil when compressing did not make it
// strictly smaller than Identity.
type Encoded struct {
	Identity []byte
	Deflate  []byte
	Brotli   []byte
	Zstd     []byte
}

// Buffers holds both catalog representations and the timestamp they were
// built at. Guarded by the store's download lock.
type Buffers struct {
	JSON      Encoded
	Binary    Encoded
	Timestamp int64
}

// AcquireDownload takes the read side of the download lock and returns
// the current buffers. The caller must call ReleaseDownload once the
// response has been fully written or the connection closed; the
// serializer blocks behind all in-flight downloads.
func (s *Store) AcquireDownload() *Buffers {
	s.download.RLock()
	return &s.buffers
}

// ReleaseDownload releases the read side of the download lock.
func (s *Store) ReleaseDownload() {
	s.download.RUnlock()
}

// serializeLocked rebuilds the serialized catalog buffers when the
// catalog changed and writes the state file when it is dirty. Called with
// the store mutex held.
func (s *Store) serializeLocked() {
	if s.catalogDirty || s.buffers.JSON.Identity == nil {
		if s.catalogDirty {
			s.catalogDirty = false
			s.stateDirty = true
			s.timestamp = s.clock.Now().Unix()
		} else if s.timestamp == 0 {
			// First build on a cold start with nothing persisted; stamp
			// it so Last-Modified is not the Unix epoch.
			s.timestamp = s.clock.Now().Unix()
		}
		apps, keys := s.sortedEntriesLocked()
		buffers := Buffers{
			JSON:      compressVariants(encodeJSONCatalog(apps, keys)),
			Binary:    compressVariants(encodeBinaryCatalog(apps, keys)),
			Timestamp: s.timestamp,
		}
		// Writers wait for in-flight downloads to finish streaming the
		// old buffers.
		s.download.Lock()
		s.buffers = buffers
		s.download.Unlock()
	}
	if s.stateDirty {
		s.stateDirty = false
		s.saveStateLocked()
	}
}

// appEntry is one app in catalog-serialization order.
type appEntry struct {
	id     uint32
	name   string
	picsAT uint64
	depots []uint32 // ascending
}

// keyEntry is one depot key in catalog-serialization order.
type keyEntry struct {
	id  uint32
	key [32]byte
}

// sortedEntriesLocked flattens the catalog maps into ascending-ID slices.
func (s *Store) sortedEntriesLocked() ([]appEntry, []keyEntry) {
	apps := make([]appEntry, 0, len(s.apps))
	for id, app := range s.apps {
		depots := make([]uint32, 0, len(app.Depots))
		for depotID := range app.Depots {
			depots = append(depots, depotID)
		}
		slices.Sort(depots)
		apps = append(apps, appEntry{id: id, name: app.Name, picsAT: app.PICSAccessToken, depots: depots})
	}
	slices.SortFunc(apps, func(a, b appEntry) int { return int(int64(a.id) - int64(b.id)) })

	keys := make([]keyEntry, 0, len(s.depotKeys))
	for id, key := range s.depotKeys {
		keys = append(keys, keyEntry{id: id, key: key})
	}
	slices.SortFunc(keys, func(a, b keyEntry) int { return int(int64(a.id) - int64(b.id)) })
	return apps, keys
}

// encodeJSONCatalog writes the public JSON catalog. Map keys are emitted
// in ascending numeric order, so the output is deterministic and
// re-serializing a parsed catalog is byte-identical.
func encodeJSONCatalog(apps []appEntry, keys []keyEntry) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"apps":{`)
	for i, app := range apps {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strconv.FormatUint(uint64(app.id), 10))
		buf.WriteString(`":{"name":`)
		writeJSONString(&buf, app.name)
		if app.picsAT != 0 {
			buf.WriteString(`,"pics_at":`)
			buf.WriteString(strconv.FormatUint(app.picsAT, 10))
		}
		buf.WriteString(`,"depots":[`)
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
	return buf.Bytes()
}

func writeJSONString(buf *bytes.Buffer, s string) {
	encoded, err := json.Marshal(s)
	if err != nil {
		buf.WriteString(`""`)
		return
	}
	buf.Write(encoded)
}

// compressVariants builds the pre-compressed forms of a buffer: deflate
// at maximum level, brotli at maximum quality with a 24-bit window, and
// zstd at maximum level. A variant is kept only when strictly smaller
// than the input.
func compressVariants(identity []byte) Encoded {
	enc := Encoded{Identity: identity}

	var buf bytes.Buffer
	if fw, err := flate.NewWriter(&buf, flate.BestCompression); err == nil {
		if _, err := fw.Write(identity); err == nil && fw.Close() == nil && buf.Len() < len(identity) {
			enc.Deflate = slices.Clone(buf.Bytes())
		}
	}

	buf.Reset()
	bw := brotli.NewWriterOptions(&buf, brotli.WriterOptions{Quality: brotli.BestCompression, LGWin: 24})
	if _, err := bw.Write(identity); err == nil && bw.Close() == nil && buf.Len() < len(identity) {
		enc.Brotli = slices.Clone(buf.Bytes())
	}

	buf.Reset()
	if zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBestCompression)); err == nil {
		if _, err := zw.Write(identity); err == nil && zw.Close() == nil && buf.Len() < len(identity) {
			enc.Zstd = slices.Clone(buf.Bytes())
		}
	}

	return enc
}
