package relay

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"headlesshost.io/internal/engine"
)

var ErrUnmappedKinds = errors.New("relay: action kinds without broadcast mapping")

// Table maps an action kind to the engine's notify-all operation for it.
type Table map[string]engine.OperationID

// NewTable copies base and adds extra entries; extra wins on conflict.
func NewTable(base Table, extra map[string]string) Table {
	t := make(Table, len(base)+len(extra))
	for k, v := range base {
		t[k] = v
	}
	for k, v := range extra {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		t[k] = engine.OperationID(v)
	}
	return t
}

func (t Table) Lookup(kind string) (engine.OperationID, bool) {
	op, ok := t[kind]
	return op, ok
}

// Validate requires every kind in the engine's vocabulary to be mapped.
func (t Table) Validate(vocabulary []string) error {
	var missing []string
	for _, k := range vocabulary {
		if _, ok := t[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrUnmappedKinds, strings.Join(missing, ", "))
}
