package catalog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Binary catalog layout, all little-endian:
//
//	u32 crc32  i32 num_apps  i32 num_depots  i32 num_depot_keys
//	num_apps       x { u64 pics_access_token; i32 name_len; i32 num_depots }
//	num_depots     x u32 depot_id        (grouped per app, app-array order)
//	num_depot_keys x { i32 depot_id; u8[32] key }
//	name bytes, concatenated in app-array order, no separators
//
// The CRC covers everything after its own four bytes, IEEE polynomial.

const (
	binHeaderSize   = 16
	binAppSize      = 16
	binDepotKeySize = 36
)

func encodeBinaryCatalog(apps []appEntry, keys []keyEntry) []byte {
	numDepots := 0
	namesLen := 0
	for _, app := range apps {
		numDepots += len(app.depots)
		namesLen += len(app.name)
	}

	size := binHeaderSize + binAppSize*len(apps) + 4*numDepots + binDepotKeySize*len(keys) + namesLen
	buf := make([]byte, size)

	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(apps)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(numDepots))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(keys)))

	appOff := binHeaderSize
	depotOff := appOff + binAppSize*len(apps)
	keyOff := depotOff + 4*numDepots
	nameOff := keyOff + binDepotKeySize*len(keys)

	for _, app := range apps {
		binary.LittleEndian.PutUint64(buf[appOff:], app.picsAT)
		binary.LittleEndian.PutUint32(buf[appOff+8:], uint32(len(app.name)))
		binary.LittleEndian.PutUint32(buf[appOff+12:], uint32(len(app.depots)))
		appOff += binAppSize
		for _, depotID := range app.depots {
			binary.LittleEndian.PutUint32(buf[depotOff:], depotID)
			depotOff += 4
		}
		nameOff += copy(buf[nameOff:], app.name)
	}
	for _, key := range keys {
		binary.LittleEndian.PutUint32(buf[keyOff:], key.id)
		copy(buf[keyOff+4:], key.key[:])
		keyOff += binDepotKeySize
	}

	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

// decodeBinaryCatalog reads a binary catalog back into entry slices,
// verifying the checksum. It is the reading half of the format, exercised
// by round-trip tests and usable by client tooling.
func decodeBinaryCatalog(buf []byte) ([]appEntry, []keyEntry, error) {
	if len(buf) < binHeaderSize {
		return nil, nil, fmt.Errorf("binary catalog too short: %d bytes", len(buf))
	}
	if crc := crc32.ChecksumIEEE(buf[4:]); crc != binary.LittleEndian.Uint32(buf[0:4]) {
		return nil, nil, fmt.Errorf("binary catalog checksum mismatch")
	}
	numApps := int(int32(binary.LittleEndian.Uint32(buf[4:8])))
	numDepots := int(int32(binary.LittleEndian.Uint32(buf[8:12])))
	numKeys := int(int32(binary.LittleEndian.Uint32(buf[12:16])))
	if numApps < 0 || numDepots < 0 || numKeys < 0 {
		return nil, nil, fmt.Errorf("binary catalog negative counts")
	}

	appOff := binHeaderSize
	depotOff := appOff + binAppSize*numApps
	keyOff := depotOff + 4*numDepots
	nameOff := keyOff + binDepotKeySize*numKeys
	if nameOff > len(buf) {
		return nil, nil, fmt.Errorf("binary catalog truncated")
	}

	apps := make([]appEntry, 0, numApps)
	for i := 0; i < numApps; i++ {
		app := appEntry{
			picsAT: binary.LittleEndian.Uint64(buf[appOff:]),
		}
		nameLen := int(int32(binary.LittleEndian.Uint32(buf[appOff+8:])))
		appDepots := int(int32(binary.LittleEndian.Uint32(buf[appOff+12:])))
		appOff += binAppSize
		if nameLen < 0 || nameOff+nameLen > len(buf) || appDepots < 0 || depotOff+4*appDepots > keyOff {
			return nil, nil, fmt.Errorf("binary catalog app %d out of bounds", i)
		}
		app.name = string(buf[nameOff : nameOff+nameLen])
		nameOff += nameLen
		for j := 0; j < appDepots; j++ {
			app.depots = append(app.depots, binary.LittleEndian.Uint32(buf[depotOff:]))
			depotOff += 4
		}
		apps = append(apps, app)
	}

	keys := make([]keyEntry, 0, numKeys)
	for i := 0; i < numKeys; i++ {
		key := keyEntry{id: binary.LittleEndian.Uint32(buf[keyOff:])}
		copy(key.key[:], buf[keyOff+4:keyOff+binDepotKeySize])
		keys = append(keys, key)
		keyOff += binDepotKeySize
	}
	return apps, keys, nil
}
