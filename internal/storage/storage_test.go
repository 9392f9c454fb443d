package storage

import (
	"testing"

	"go.uber.org/zap"

	"github.com/route-beacon/tsdb-ingest/internal/tbf"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(nil, "points", false, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestGetOrCreate_CreatesOnce(t *testing.T) {
	e := newTestEngine(t)
	unlock := e.LockForApply()
	defer unlock()

	s1, created1 := e.GetOrCreate([]byte("cpu"), ValueInteger)
	if !created1 {
		t.Fatalf("expected first GetOrCreate to create the series")
	}
	s2, created2 := e.GetOrCreate([]byte("cpu"), ValueFloat)
	if created2 {
		t.Fatalf("expected second GetOrCreate to find the existing series")
	}
	if s1 != s2 {
		t.Fatalf("expected same series pointer")
	}
	if s2.ValueType != ValueInteger {
		t.Fatalf("second GetOrCreate must not overwrite the fixed value type")
	}
}

func TestSeries_IsEmptyUntilTyped(t *testing.T) {
	s := &Series{Name: []byte("x")}
	if !s.IsEmpty() {
		t.Fatalf("zero-value series should be empty")
	}
	s.ValueType = ValueString
	if s.IsEmpty() {
		t.Fatalf("typed series should not be empty")
	}
}

func TestContains_UsesSeriesMutex(t *testing.T) {
	e := newTestEngine(t)
	if e.Contains([]byte("cpu")) {
		t.Fatalf("unexpected Contains true before creation")
	}
	unlock := e.LockForApply()
	e.GetOrCreate([]byte("cpu"), ValueInteger)
	unlock()
	if !e.Contains([]byte("cpu")) {
		t.Fatalf("expected Contains true after creation")
	}
}

func TestAddPoint_NoBackingPool_NoOp(t *testing.T) {
	e := newTestEngine(t)
	unlock := e.LockForApply()
	defer unlock()
	s, _ := e.GetOrCreate([]byte("cpu"), ValueInteger)
	if err := e.AddPoint(s, 100, tbf.IntegerValue(1)); err != nil {
		t.Fatalf("AddPoint: %v", err)
	}
	if err := e.FlushPending(nil); err != nil {
		t.Fatalf("FlushPending with no pool should be a no-op: %v", err)
	}
}
