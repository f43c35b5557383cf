package catalog

import (
	"encoding/binary"
	"hash/crc32"
	"testing"
)

func TestBinaryCatalogRoundTrip(t *testing.T) {
	apps := []appEntry{
		{id: 10, name: "ARK: Survival Evolved", picsAT: 7, depots: []uint32{11, 12}},
		{id: 20, name: "", picsAT: 0, depots: []uint32{21}},
	}
	keys := []keyEntry{
		{id: 11, key: [32]byte{0x01, 0x02}},
		{id: 21, key: [32]byte{0xff}},
	}

	buf := encodeBinaryCatalog(apps, keys)

	if got := binary.LittleEndian.Uint32(buf[4:8]); got != 2 {
		t.Errorf("num_apps: got %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint32(buf[8:12]); got != 3 {
		t.Errorf("num_depots: got %d, want 3", got)
	}
	if got := binary.LittleEndian.Uint32(buf[12:16]); got != 2 {
		t.Errorf("num_depot_keys: got %d, want 2", got)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != crc32.ChecksumIEEE(buf[4:]) {
		t.Error("stored CRC does not cover the message")
	}

	gotApps, gotKeys, err := decodeBinaryCatalog(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gotApps) != len(apps) || len(gotKeys) != len(keys) {
		t.Fatalf("decoded %d apps, %d keys; want %d, %d", len(gotApps), len(gotKeys), len(apps), len(keys))
	}
	// The format does not carry app IDs; compare everything else.
	for i, want := range apps {
		got := gotApps[i]
		if got.name != want.name || got.picsAT != want.picsAT || !equalU32(got.depots, want.depots) {
			t.Errorf("app %d: got %+v, want %+v", i, got, want)
		}
	}
	for i, want := range keys {
		if gotKeys[i] != want {
			t.Errorf("key %d: got %+v, want %+v", i, gotKeys[i], want)
		}
	}
}

func TestBinaryCatalogEmpty(t *testing.T) {
	buf := encodeBinaryCatalog(nil, nil)
	if len(buf) != binHeaderSize {
		t.Fatalf("empty catalog: got %d bytes, want %d", len(buf), binHeaderSize)
	}
	apps, keys, err := decodeBinaryCatalog(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(apps) != 0 || len(keys) != 0 {
		t.Errorf("decoded %d apps, %d keys from empty catalog", len(apps), len(keys))
	}
}

func TestBinaryCatalogChecksumMismatch(t *testing.T) {
	buf := encodeBinaryCatalog([]appEntry{{id: 10, name: "x", depots: []uint32{1}}}, nil)
	buf[len(buf)-1] ^= 0x01
	if _, _, err := decodeBinaryCatalog(buf); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestBinaryCatalogTruncated(t *testing.T) {
	buf := encodeBinaryCatalog([]appEntry{{id: 10, name: "x", depots: []uint32{1}}}, nil)
	for _, n := range []int{0, 8, binHeaderSize, len(buf) - 1} {
		if _, _, err := decodeBinaryCatalog(buf[:n]); err == nil {
			t.Errorf("expected error at %d bytes", n)
		}
	}
}
