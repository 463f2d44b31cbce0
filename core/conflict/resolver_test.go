package conflict

import (
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core"
)

func TestDiffFields(t *testing.T) {
	tests := []struct {
		name   string
		local  map[string]interface{}
		server map[string]interface{}
		want   []string
	}{
		{name: "both empty"},
		{
			name:   "identical",
			local:  map[string]interface{}{"score": 12, "answers": []interface{}{"a", "b"}},
			server: map[string]interface{}{"score": 12, "answers": []interface{}{"a", "b"}},
		},
		{
			name:   "bookkeeping only",
			local:  map[string]interface{}{"score": 12, "updated_at": "2026-01-01T00:00:00Z", "synced": false},
			server: map[string]interface{}{"score": 12, "updated_at": "2026-02-01T00:00:00Z", "synced": true},
		},
		{
			name:   "differing and one-sided fields",
			local:  map[string]interface{}{"a": 1, "b": 2},
			server: map[string]interface{}{"a": 9, "b": 2, "c": 3},
			want:   []string{"a", "c"},
		},
		{
			name:   "nested objects compare structurally",
			local:  map[string]interface{}{"prefs": map[string]interface{}{"x": 1, "y": 2}},
			server: map[string]interface{}{"prefs": map[string]interface{}{"y": 2, "x": 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DiffFields(tt.local, tt.server); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DiffFields() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	local := map[string]interface{}{"name": "Amani"}
	server := map[string]interface{}{"name": "Amani"}
	if _, conflicted := Detect("1", core.KindProfileUpdate, local, server, time.Now(), time.Now()); conflicted {
		t.Error("Detect() reported a conflict for identical data")
	}

	server["name"] = "Imani"
	rec, conflicted := Detect("1", core.KindProfileUpdate, local, server, time.Now(), time.Now())
	if !conflicted {
		t.Fatal("Detect() missed a real conflict")
	}
	if !reflect.DeepEqual(rec.ConflictFields, []string{"name"}) {
		t.Errorf("ConflictFields = %v, want [name]", rec.ConflictFields)
	}
}

func TestBuiltinPolicies(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	rec := Record{
		ID:              "r1",
		Kind:            core.KindProfileUpdate,
		LocalData:       map[string]interface{}{"a": 1, "b": 2},
		ServerData:      map[string]interface{}{"a": 9, "b": 2, "c": 3},
		LocalTimestamp:  t2,
		ServerTimestamp: t1,
		ConflictFields:  []string{"a", "c"},
	}

	t.Run("local wins returns exactly local data", func(t *testing.T) {
		got, err := LocalWins(rec)
		if err != nil {
			t.Fatalf("LocalWins() error = %v", err)
		}
		if !reflect.DeepEqual(got, rec.LocalData) {
			t.Errorf("LocalWins() = %v, want %v", got, rec.LocalData)
		}
	})

	t.Run("server wins returns exactly server data", func(t *testing.T) {
		got, err := ServerWins(rec)
		if err != nil {
			t.Fatalf("ServerWins() error = %v", err)
		}
		if !reflect.DeepEqual(got, rec.ServerData) {
			t.Errorf("ServerWins() = %v, want %v", got, rec.ServerData)
		}
	})

	t.Run("smart merge keeps newer local fields and server-only fields", func(t *testing.T) {
		got, err := SmartMerge(rec)
		if err != nil {
			t.Fatalf("SmartMerge() error = %v", err)
		}
		want := map[string]interface{}{"a": 1, "b": 2, "c": 3}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("SmartMerge() = %v, want %v", got, want)
		}
	})

	t.Run("smart merge prefers server when local is older", func(t *testing.T) {
		older := rec
		older.LocalTimestamp = t1.Add(-time.Hour)
		got, err := SmartMerge(older)
		if err != nil {
			t.Fatalf("SmartMerge() error = %v", err)
		}
		want := map[string]interface{}{"a": 9, "b": 2, "c": 3}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("SmartMerge() = %v, want %v", got, want)
		}
	})

	t.Run("resolution is idempotent", func(t *testing.T) {
		first, _ := SmartMerge(rec)
		second, _ := SmartMerge(rec)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("SmartMerge() not idempotent: %v != %v", first, second)
		}
	})
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry(nil)

	t.Run("no conflict short-circuits to server data", func(t *testing.T) {
		rec := Record{ID: "r1", Kind: core.KindTestSubmission, ServerData: map[string]interface{}{"a": 1}}
		got, outcome := reg.Resolve(rec)
		if outcome != OutcomeNoConflict {
			t.Errorf("outcome = %v, want OutcomeNoConflict", outcome)
		}
		if !reflect.DeepEqual(got, rec.ServerData) {
			t.Errorf("Resolve() = %v, want server data", got)
		}
	})

	t.Run("failing resolver falls back to server-wins", func(t *testing.T) {
		reg.Register("broken", func(rec Record) (map[string]interface{}, error) {
			return nil, errors.New("boom")
		})
		rec := Record{
			ID:             "r2",
			Kind:           "broken",
			LocalData:      map[string]interface{}{"a": 1},
			ServerData:     map[string]interface{}{"a": 2},
			ConflictFields: []string{"a"},
		}
		got, outcome := reg.Resolve(rec)
		if outcome != OutcomeResolved {
			t.Errorf("outcome = %v, want OutcomeResolved", outcome)
		}
		if !reflect.DeepEqual(got, rec.ServerData) {
			t.Errorf("Resolve() = %v, want server data", got)
		}
	})

	t.Run("panicking resolver falls back to server-wins", func(t *testing.T) {
		reg.Register("panicky", func(rec Record) (map[string]interface{}, error) {
			panic("boom")
		})
		rec := Record{
			ID:             "r3",
			Kind:           "panicky",
			ServerData:     map[string]interface{}{"a": 2},
			ConflictFields: []string{"a"},
		}
		got, outcome := reg.Resolve(rec)
		if outcome != OutcomeResolved {
			t.Errorf("outcome = %v, want OutcomeResolved", outcome)
		}
		if !reflect.DeepEqual(got, rec.ServerData) {
			t.Errorf("Resolve() = %v, want server data", got)
		}
	})

	t.Run("missing resolver parks the record", func(t *testing.T) {
		rec := Record{
			ID:             "r4",
			Kind:           "unknown-kind",
			LocalData:      map[string]interface{}{"a": 1},
			ServerData:     map[string]interface{}{"a": 2},
			ConflictFields: []string{"a"},
		}
		if _, outcome := reg.Resolve(rec); outcome != OutcomeManual {
			t.Fatalf("outcome = %v, want OutcomeManual", outcome)
		}
		pending := reg.Pending()
		if len(pending) != 1 || pending[0].ID != "r4" {
			t.Errorf("Pending() = %v, want [r4]", pending)
		}
		reg.Discard("r4")
		if len(reg.Pending()) != 0 {
			t.Error("Discard() left the record parked")
		}
	})
}
