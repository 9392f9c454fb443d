package ingest

import (
	"bytes"
	"testing"

	"github.com/route-beacon/tsdb-ingest/internal/cluster"
	"github.com/route-beacon/tsdb-ingest/internal/job"
	"github.com/route-beacon/tsdb-ingest/internal/tbf"
)

func alwaysValid(int64) bool { return true }

type fakeClient struct{ sent *job.Response }

func (c *fakeClient) Lock()   {}
func (c *fakeClient) Unlock() {}
func (c *fakeClient) SendResponse(requestID uint64, resp job.Response) error {
	c.sent = &resp
	return nil
}

type presentIndex map[string]bool

func (p presentIndex) Contains(name []byte) bool { return p[string(name)] }

func buildTBFMap(series map[string][]tbf.Point) []byte {
	w := tbf.NewWriter()
	w.WriteMapOpen()
	for name, points := range series {
		w.WriteRaw([]byte(name))
		w.WriteArrayOpen()
		for _, p := range points {
			w.WritePoint(p)
		}
		w.WriteArrayClose()
	}
	w.WriteMapClose()
	return w.Bytes()
}

// buildTBFArray builds the array-of-records form. pointsFirst controls key
// order per element, exercising the "points may appear before name" path.
func buildTBFArray(order []string, series map[string][]tbf.Point, pointsFirst bool) []byte {
	w := tbf.NewWriter()
	w.WriteArrayOpen()
	for _, name := range order {
		w.WriteMapOpen()
		writeNameKV := func() {
			w.WriteRaw([]byte("name"))
			w.WriteRaw([]byte(name))
		}
		writePointsKV := func() {
			w.WriteRaw([]byte("points"))
			w.WriteArrayOpen()
			for _, p := range series[name] {
				w.WritePoint(p)
			}
			w.WriteArrayClose()
		}
		if pointsFirst {
			writePointsKV()
			writeNameKV()
		} else {
			writeNameKV()
			writePointsKV()
		}
		w.WriteMapClose()
	}
	w.WriteArrayClose()
	return w.Bytes()
}

func singlePoolSnapshot() cluster.Snapshot {
	return cluster.Snapshot{
		PoolCount: 1,
		OwnPoolID: 0,
		Lookup:    func([]byte) int { return 0 },
	}
}

// S1 — single local series.
func TestAssign_S1_SingleLocalSeries(t *testing.T) {
	data := buildTBFMap(map[string][]tbf.Point{
		"cpu": {
			{TS: 100, Value: tbf.IntegerValue(1)},
			{TS: 200, Value: tbf.IntegerValue(2)},
		},
	})
	j := job.New(1, &fakeClient{}, 0, 1)
	n, err := Assign(data, singlePoolSnapshot(), presentIndex{}, j, alwaysValid)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if n != 2 {
		t.Fatalf("npoints = %d, want 2", n)
	}
	if !j.Buffers[0].IsEmpty() {
		// buffer has content, as expected; IsEmpty should be false
	} else {
		t.Fatalf("pool 0 buffer unexpectedly empty")
	}
}

// S2 — split across two pools.
func TestAssign_S2_SplitAcrossPools(t *testing.T) {
	data := buildTBFMap(map[string][]tbf.Point{
		"a": {{TS: 1, Value: tbf.FloatValue(1.0)}},
		"b": {{TS: 2, Value: tbf.RawValue([]byte("x"))}},
	})
	snap := cluster.Snapshot{
		PoolCount: 2,
		OwnPoolID: 0,
		Lookup: func(name []byte) int {
			if string(name) == "a" {
				return 0
			}
			return 1
		},
	}
	j := job.New(1, &fakeClient{}, 0, 2)
	n, err := Assign(data, snap, presentIndex{}, j, alwaysValid)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if n != 2 {
		t.Fatalf("npoints = %d, want 2", n)
	}
	if j.Buffers[0].IsEmpty() {
		t.Fatalf("pool 0 (series a) should not be empty")
	}
	if j.Buffers[1].IsEmpty() {
		t.Fatalf("pool 1 (series b) should not be empty")
	}
}

// S3 — array form equivalence with map form (testable property 1).
func TestAssign_S3_ArrayFormMatchesMapForm(t *testing.T) {
	series := map[string][]tbf.Point{"a": {{TS: 1, Value: tbf.IntegerValue(1)}}}
	mapData := buildTBFMap(series)
	arrData := buildTBFArray([]string{"a"}, series, true)

	snap := singlePoolSnapshot()

	jMap := job.New(1, &fakeClient{}, 0, 1)
	nMap, err := Assign(mapData, snap, presentIndex{}, jMap, alwaysValid)
	if err != nil {
		t.Fatalf("map form: %v", err)
	}

	jArr := job.New(2, &fakeClient{}, 0, 1)
	nArr, err := Assign(arrData, snap, presentIndex{}, jArr, alwaysValid)
	if err != nil {
		t.Fatalf("array form: %v", err)
	}

	if nMap != nArr {
		t.Fatalf("npoints differ: map=%d array=%d", nMap, nArr)
	}
	if !bytes.Equal(jMap.Buffers[0].Finish(), jArr.Buffers[0].Finish()) {
		t.Fatalf("pool 0 buffers differ between map and array form")
	}
}

// S4 — invalid timestamp.
func TestAssign_S4_InvalidTimestamp(t *testing.T) {
	w := tbf.NewWriter()
	w.WriteMapOpen()
	w.WriteRaw([]byte("a"))
	w.WriteArrayOpen()
	w.WriteTag(tbf.TagArray2)
	w.WriteRaw([]byte("not-an-int")) // point[0] is raw bytes, not an integer
	w.WriteInt(1)
	w.WriteArrayClose()
	w.WriteMapClose()

	j := job.New(1, &fakeClient{}, 0, 1)
	_, err := Assign(w.Bytes(), singlePoolSnapshot(), presentIndex{}, j, alwaysValid)
	if err == nil {
		t.Fatalf("expected error for non-integer timestamp")
	}
	de, ok := err.(*tbf.DecodeError)
	if !ok || de.Code != tbf.ErrExpectingIntegerTS {
		t.Fatalf("got %v, want ErrExpectingIntegerTS", err)
	}
}

// S5 is exercised in the dispatch package (peer failure requires a transport).

// S6 — reindexing forward: exercised in the apply package, which owns the
// test variant's routing decision. This package has no S6 test; Route's
// reindex decisions are covered in cluster_test.go.

// Idempotent empty (testable property 5).
func TestAssign_EmptyBatch(t *testing.T) {
	data := buildTBFMap(map[string][]tbf.Point{})
	j := job.New(1, &fakeClient{}, 0, 1)
	n, err := Assign(data, singlePoolSnapshot(), presentIndex{}, j, alwaysValid)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if n != 0 {
		t.Fatalf("npoints = %d, want 0", n)
	}
	if !j.Buffers[0].IsEmpty() {
		t.Fatalf("pool 0 buffer should be empty for a zero-series batch")
	}
}

// Frozen pool count (testable property 6).
func TestJob_FrozenPoolCount(t *testing.T) {
	j := job.New(1, &fakeClient{}, 0, 3)
	if len(j.Buffers) != 3 {
		t.Fatalf("got %d buffers, want 3", len(j.Buffers))
	}
	// A later snapshot claiming a different pool count must not affect
	// an already-created job's buffer slice.
	snap2 := cluster.Snapshot{PoolCount: 7, OwnPoolID: 0, Lookup: func([]byte) int { return 0 }}
	_ = snap2
	if len(j.Buffers) != 3 {
		t.Fatalf("pool count changed after job creation: got %d", len(j.Buffers))
	}
}

func TestAssign_RejectsEmptyPointsArray(t *testing.T) {
	w := tbf.NewWriter()
	w.WriteMapOpen()
	w.WriteRaw([]byte("a"))
	w.WriteArrayOpen()
	w.WriteArrayClose() // zero points
	w.WriteMapClose()

	j := job.New(1, &fakeClient{}, 0, 1)
	_, err := Assign(w.Bytes(), singlePoolSnapshot(), presentIndex{}, j, alwaysValid)
	de, ok := err.(*tbf.DecodeError)
	if !ok || de.Code != tbf.ErrExpectingAtLeastOnePoint {
		t.Fatalf("got %v, want ErrExpectingAtLeastOnePoint", err)
	}
}

func TestAssign_RejectsTopLevelScalar(t *testing.T) {
	w := tbf.NewWriter()
	w.WriteInt(5)
	j := job.New(1, &fakeClient{}, 0, 1)
	_, err := Assign(w.Bytes(), singlePoolSnapshot(), presentIndex{}, j, alwaysValid)
	de, ok := err.(*tbf.DecodeError)
	if !ok || de.Code != tbf.ErrExpectingMapOrArray {
		t.Fatalf("got %v, want ErrExpectingMapOrArray", err)
	}
}
