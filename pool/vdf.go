package pool

import (
	"bytes"
	"encoding/binary"
)

// Binary VDF is Valve's tag-length-value tree format: 0x00 opens a nested
// node, 0x01 a NUL-terminated string attribute, 0x02 a little-endian
// int32 attribute, 0x08 closes the current node. PICS package blobs use
// it; no Go module in the ecosystem parses this form, so the walker is
// hand-rolled.
type binVDFNode struct {
	ints     map[string]int32
	strs     map[string]string
	children map[string]*binVDFNode
}

const (
	binVDFNested = 0x00
	binVDFString = 0x01
	binVDFInt32  = 0x02
	binVDFEnd    = 0x08
)

// parseBinaryVDF reads one node, consuming data until the matching end
// marker. Truncated or unknown-typed input terminates the walk early,
// yielding whatever was parsed so far, matching the tolerant behavior of
// the rest of the PICS pipeline.
func parseBinaryVDF(data []byte) *binVDFNode {
	node, _ := parseBinVDFNode(data)
	return node
}

func parseBinVDFNode(data []byte) (*binVDFNode, []byte) {
	node := &binVDFNode{
		ints:     make(map[string]int32),
		strs:     make(map[string]string),
		children: make(map[string]*binVDFNode),
	}
	for len(data) > 0 {
		typ := data[0]
		data = data[1:]
		if typ == binVDFEnd {
			return node, data
		}

		i := bytes.IndexByte(data, 0)
		if i < 0 {
			return node, nil
		}
		name := string(data[:i])
		data = data[i+1:]

		switch typ {
		case binVDFNested:
			var child *binVDFNode
			child, data = parseBinVDFNode(data)
			node.children[name] = child
		case binVDFString:
			i := bytes.IndexByte(data, 0)
			if i < 0 {
				return node, nil
			}
			node.strs[name] = string(data[:i])
			data = data[i+1:]
		case binVDFInt32:
			if len(data) < 4 {
				return node, nil
			}
			node.ints[name] = int32(binary.LittleEndian.Uint32(data))
			data = data[4:]
		default:
			return node, nil
		}
	}
	return node, nil
}

// packageIDs extracts the app and depot ID sets from a PICS package blob.
// Both feed the account's candidate-depot work set; some depot IDs equal
// their app ID, so app IDs are included in the depot set too.
func packageIDs(blob []byte) (appIDs, depotIDs []uint32) {
	node := parseBinaryVDF(blob)
	if depots, ok := node.children["depotids"]; ok {
		for _, id := range depots.ints {
			depotIDs = append(depotIDs, uint32(id))
		}
	}
	if apps, ok := node.children["appids"]; ok {
		for _, id := range apps.ints {
			appIDs = append(appIDs, uint32(id))
			depotIDs = append(depotIDs, uint32(id))
		}
	}
	return appIDs, depotIDs
}
