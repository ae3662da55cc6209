package variantz

import (
	"encoding/json"
	"fmt"
	"sync"
)

type exposureKey struct {
	experiment string
	variation  int
}

// Deduplicator remembers which feature values and experiment variations
// have already fired their callbacks.
type Deduplicator struct {
	mu        sync.Mutex
	usage     map[string]struct{}
	exposures map[exposureKey]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		usage:     make(map[string]struct{}),
		exposures: make(map[exposureKey]struct{}),
	}
}

// FirstUsage reports whether featureKey resolving to value is new. Values
// are compared by their JSON encoding.
func (d *Deduplicator) FirstUsage(featureKey string, value Value) bool {
	key := featureKey + "\x00" + serializeValue(value)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.usage[key]; seen {
		return false
	}
	d.usage[key] = struct{}{}
	return true
}

// FirstExposure reports whether the experiment and variation pair is new.
func (d *Deduplicator) FirstExposure(experimentKey string, variationID int) bool {
	key := exposureKey{experiment: experimentKey, variation: variationID}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.exposures[key]; seen {
		return false
	}
	d.exposures[key] = struct{}{}
	return true
}

func serializeValue(value Value) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		// NaN and other values JSON cannot carry.
		return fmt.Sprintf("%T:%v", value, value)
	}
	return string(encoded)
}
