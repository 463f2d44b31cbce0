package conflict

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/tathmini/tathmini/core"
)

// Record carries everything needed to reconcile one queued local mutation
// against current server state for the same entity. Records are ephemeral;
// only unresolvable ones are parked in the registry's manual table.
type Record struct {
	ID              string
	Kind            core.Kind
	LocalData       map[string]interface{}
	ServerData      map[string]interface{}
	LocalTimestamp  time.Time
	ServerTimestamp time.Time
	ConflictFields  []string
}

// bookkeeping fields are excluded from conflict detection: they differ on
// every round trip without representing a real divergence.
var bookkeepingFields = map[string]struct{}{
	"id":          {},
	"created_at":  {},
	"updated_at":  {},
	"synced":      {},
	"synced_at":   {},
	"timestamp":   {},
	"last_sync":   {},
	"server_time": {},
}

// FieldsEqual compares two field values by their canonical JSON encoding.
// Go re-marshals object keys in sorted order, so values that decoded from
// differently-ordered JSON still compare equal.
func FieldsEqual(a, b interface{}) bool {
	ab, aErr := json.Marshal(a)
	bb, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// DiffFields returns the sorted set of non-bookkeeping field names whose
// values differ between local and server data. Fields present on only one
// side count as differing.
func DiffFields(local, server map[string]interface{}) []string {
	seen := make(map[string]struct{}, len(local)+len(server))
	var diff []string

	check := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		if _, ok := bookkeepingFields[name]; ok {
			return
		}
		lv, lok := local[name]
		sv, sok := server[name]
		if lok != sok || !FieldsEqual(lv, sv) {
			diff = append(diff, name)
		}
	}

	for name := range local {
		check(name)
	}
	for name := range server {
		check(name)
	}
	sort.Strings(diff)
	return diff
}

// Detect builds a Record for the given local/server pair. The second return
// value is false when no non-bookkeeping field differs, in which case
// resolution must short-circuit to server state without invoking a policy.
func Detect(id string, kind core.Kind, local, server map[string]interface{}, localTS, serverTS time.Time) (Record, bool) {
	diff := DiffFields(local, server)
	rec := Record{
		ID:              id,
		Kind:            kind,
		LocalData:       local,
		ServerData:      server,
		LocalTimestamp:  localTS,
		ServerTimestamp: serverTS,
		ConflictFields:  diff,
	}
	return rec, len(diff) > 0
}
