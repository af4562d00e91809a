// Package cubehub is the attach/detach lifecycle manager for cubes: it
// loads a roster of known cubes from a config file, wires each
// attached cube's PaintControl, nrf8001 driver and SPI bus together,
// and runs the periodic update cycle that polls status and pushes
// telemetry out.
package cubehub

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/flynn/json5"

	"github.com/kagami-house/cube-hub/internal/nrf8001"
)

// RosterEntry is one cube's static configuration: which SPI bus and
// GPIO lines it's wired to, and how often to poll it when idle.
type RosterEntry struct {
	Name         string
	Bus          nrf8001.BusConfig
	AccessPeriod time.Duration
}

// loadRoster reads a json5 roster file shaped like:
//
//	{
//	  cubeA: {
//	    clock: 1000000,
//	    "request pin": "GPIO22",
//	    "ready pin": "GPIO23",
//	    "access period": 1,
//	  },
//	  ...
//	}
//
// a map keyed by name, values walked by hand rather than unmarshaled
// into a fixed struct, since json5 doesn't require every key to be
// present.
func loadRoster(rosterFile string) ([]RosterEntry, error) {
	raw, err := ioutil.ReadFile(rosterFile)
	if err != nil {
		return nil, fmt.Errorf("cubehub: loadRoster: ReadFile: %w", err)
	}

	var data map[string]interface{}
	if err := json5.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("cubehub: loadRoster: Unmarshal: %w", err)
	}

	entries := make([]RosterEntry, 0, len(data))
	for name, cubeInterface := range data {
		cube, ok := cubeInterface.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("cubehub: loadRoster: %s: not an object", name)
		}

		entry := RosterEntry{
			Name:         name,
			AccessPeriod: time.Second,
		}

		if v, ok := cube["clock"]; ok {
			entry.Bus.ClockHz = int(v.(float64))
		}
		if v, ok := cube["request pin"]; ok {
			entry.Bus.RequestPin = v.(string)
		}
		if v, ok := cube["ready pin"]; ok {
			entry.Bus.ReadyPin = v.(string)
		}
		if v, ok := cube["access period"]; ok {
			entry.AccessPeriod = time.Duration(v.(float64) * float64(time.Second))
		}

		entries = append(entries, entry)
	}
	return entries, nil
}
