package replica

import (
	"testing"

	"github.com/route-beacon/tsdb-ingest/internal/job"
)

func TestFilter_BeforeSync_AlwaysForwards(t *testing.T) {
	r := &Replica{}
	body, ok := r.Filter([]byte("x"), job.FlagTested)
	if !ok || string(body) != "x" {
		t.Fatalf("expected forward before sync completes")
	}
}

func TestFilter_AfterSync_DropsTestedFragments(t *testing.T) {
	r := &Replica{}
	r.MarkSynced()
	_, ok := r.Filter([]byte("x"), job.FlagTested)
	if ok {
		t.Fatalf("expected TESTED fragments to be dropped once synced")
	}
}

func TestFilter_AfterSync_StillForwardsUntested(t *testing.T) {
	r := &Replica{}
	r.MarkSynced()
	body, ok := r.Filter([]byte("x"), 0)
	if !ok || string(body) != "x" {
		t.Fatalf("expected untested fragments to still forward after sync")
	}
}

func TestMarkSynced_Idempotent(t *testing.T) {
	r := &Replica{}
	r.MarkSynced()
	r.MarkSynced()
	if !r.IsSynced() {
		t.Fatalf("expected IsSynced true")
	}
}
