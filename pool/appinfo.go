package pool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/andygrunwald/vdf"
)

// appInfo is what the catalog needs from a PICS app blob: the display
// name and the depot IDs the account can actually download.
type appInfo struct {
	name     string
	depotIDs []uint32
}

// parseAppInfo extracts depot IDs and the display name from a text-VDF
// app blob. Depots come from depots.workshopdepot and from every numeric
// child of depots that carries a manifests sub-node; the latter are
// retained only when present in the account's candidate work set
// (workshopdepot is taken unconditionally). workSet entries that matched
// are consumed.
func parseAppInfo(blob []byte, workSet map[uint32]struct{}) (appInfo, error) {
	var info appInfo

	root, err := vdf.NewParser(strings.NewReader(string(blob))).Parse()
	if err != nil {
		return info, fmt.Errorf("parse app info VDF: %w", err)
	}
	// The blob has a single root node wrapping the app's sections.
	var app map[string]interface{}
	for _, v := range root {
		if m, ok := v.(map[string]interface{}); ok {
			app = m
			break
		}
	}
	if app == nil {
		return info, nil
	}

	if common, ok := app["common"].(map[string]interface{}); ok {
		if name, ok := common["name"].(string); ok {
			info.name = name
		}
	}

	depots, ok := app["depots"].(map[string]interface{})
	if !ok {
		return info, nil
	}
	if workshop, ok := depots["workshopdepot"].(string); ok {
		if id, err := strconv.ParseUint(workshop, 10, 32); err == nil {
			info.depotIDs = append(info.depotIDs, uint32(id))
		}
	}
	for key, value := range depots {
		depot, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok := depot["manifests"].(map[string]interface{}); !ok {
			continue
		}
		id, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			continue
		}
		depotID := uint32(id)
		if _, ok := workSet[depotID]; !ok {
			continue
		}
		delete(workSet, depotID)
		info.depotIDs = append(info.depotIDs, depotID)
	}
	return info, nil
}
