package catalog

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

func TestJSONCatalogDeterministic(t *testing.T) {
	s := newTestStore(t)
	addTestAccount(t, s, 1)

	// Emplaced out of order; serialization sorts by ID.
	s.EmplaceApp(1, 20, "Two", 0, []uint32{21})
	s.EmplaceApp(1, 10, `App "One"`, 7, []uint32{12, 11})
	s.PutDepotKey(11, [32]byte{0x01})
	s.FinishSetup()

	want := `{"apps":{` +
		`"10":{"name":"App \"One\"","pics_at":7,"depots":[11,12]},` +
		`"20":{"name":"Two","depots":[21]}},` +
		`"depot_keys":{"11":"AQAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}}`

	buffers := s.AcquireDownload()
	got := string(buffers.JSON.Identity)
	s.ReleaseDownload()
	if got != want {
		t.Errorf("catalog JSON:\n got %s\nwant %s", got, want)
	}

	// Re-serializing an unchanged catalog yields the same bytes.
	s.SyncCatalog()
	buffers = s.AcquireDownload()
	defer s.ReleaseDownload()
	if string(buffers.JSON.Identity) != want {
		t.Error("re-serialization changed the catalog JSON")
	}
}

func TestSyncCatalogKeepsTimestampWhenClean(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0))
	s := newTestStore(t, WithClock(clock))
	addTestAccount(t, s, 1)
	s.EmplaceApp(1, 10, "Game", 0, []uint32{5})
	s.SyncCatalog()

	first := s.Timestamp()
	if first != 1_000_000 {
		t.Fatalf("timestamp: got %d, want 1000000", first)
	}

	clock.Advance(10 * time.Minute)
	s.SyncCatalog()
	if got := s.Timestamp(); got != first {
		t.Errorf("clean sync changed timestamp: got %d, want %d", got, first)
	}

	clock.Advance(10 * time.Minute)
	s.PutDepotKey(5, [32]byte{0x01})
	s.SyncCatalog()
	if got := s.Timestamp(); got == first {
		t.Error("dirty sync kept the old timestamp")
	}
}

func TestFirstBuildStampsTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	s := newTestStore(t, WithClock(clock))

	// Cold start with no state file and no accounts: the catalog is
	// clean, yet the first emitted buffers must not date from the epoch.
	s.ClearApps()
	s.FinishSetup()

	if got := s.Timestamp(); got != 1_700_000_000 {
		t.Errorf("timestamp: got %d, want 1700000000", got)
	}
	buffers := s.AcquireDownload()
	defer s.ReleaseDownload()
	if buffers.Timestamp != 1_700_000_000 {
		t.Errorf("buffer timestamp: got %d, want 1700000000", buffers.Timestamp)
	}
}

func TestCompressVariants(t *testing.T) {
	identity := bytes.Repeat([]byte(`{"depots":[1441700,1441701]}`), 256)
	enc := compressVariants(identity)

	if !bytes.Equal(enc.Identity, identity) {
		t.Fatal("identity buffer modified")
	}
	if enc.Deflate == nil || enc.Brotli == nil || enc.Zstd == nil {
		t.Fatalf("expected all variants for compressible input: deflate=%d brotli=%d zstd=%d",
			len(enc.Deflate), len(enc.Brotli), len(enc.Zstd))
	}

	fr := flate.NewReader(bytes.NewReader(enc.Deflate))
	if got, err := io.ReadAll(fr); err != nil || !bytes.Equal(got, identity) {
		t.Errorf("deflate round trip failed: %v", err)
	}
	fr.Close()

	if got, err := io.ReadAll(brotli.NewReader(bytes.NewReader(enc.Brotli))); err != nil || !bytes.Equal(got, identity) {
		t.Errorf("brotli round trip failed: %v", err)
	}

	zr, err := zstd.NewReader(bytes.NewReader(enc.Zstd))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()
	if got, err := io.ReadAll(zr); err != nil || !bytes.Equal(got, identity) {
		t.Errorf("zstd round trip failed: %v", err)
	}
}

func TestCompressVariantsSkipIncompressible(t *testing.T) {
	enc := compressVariants([]byte("x"))
	if enc.Deflate != nil || enc.Brotli != nil || enc.Zstd != nil {
		t.Error("variants kept despite not being smaller")
	}
}
