// Package ingest implements the Decoder and Repacker: the streaming parse
// of one client insert request and the re-emission of its points into one
// TBF buffer per pool.
package ingest

import (
	"github.com/route-beacon/tsdb-ingest/internal/cluster"
	"github.com/route-beacon/tsdb-ingest/internal/job"
	"github.com/route-beacon/tsdb-ingest/internal/tbf"
)

// ValidTS reports whether a timestamp falls inside the database's
// configured precision range.
type ValidTS func(ts int64) bool

// Assign walks the TBF payload and, for every validated series, routes it
// to a pool and repacks its points into that pool's buffer. It returns the
// total number of points across all pools, or a decode error (spec §7);
// the two are never confusable since decode errors carry a distinct Go
// error type rather than a raw int.
func Assign(data []byte, snap cluster.Snapshot, index cluster.SeriesIndex, j *job.Job, validTS ValidTS) (int, error) {
	r := tbf.NewReader(data)
	tag, ok := r.PeekTag()
	if !ok {
		return 0, tbf.NewDecodeError(tbf.ErrExpectingMapOrArray)
	}
	switch tag {
	case tbf.TagMapOpen:
		return decodeMapForm(r, snap, index, j, validTS)
	case tbf.TagArrayOpen:
		return decodeArrayForm(r, snap, index, j, validTS)
	default:
		return 0, tbf.NewDecodeError(tbf.ErrExpectingMapOrArray)
	}
}

// decodeMapForm reads `{ series_name: [[ts,value],...], ... }` until
// MAP_CLOSE or END; no trailing bytes are consulted afterward.
func decodeMapForm(r *tbf.Reader, snap cluster.Snapshot, index cluster.SeriesIndex, j *job.Job, validTS ValidTS) (int, error) {
	r.ConsumeTag() // the MAP_OPEN already peeked by Assign
	total := 0
	for {
		tag, ok := r.PeekTag()
		if !ok || tag == tbf.TagMapClose || tag == tbf.TagEnd {
			if ok {
				r.ConsumeTag()
			}
			break
		}
		name, err := r.ReadName()
		if err != nil {
			return 0, err
		}
		points, err := readPointsArray(r, validTS)
		if err != nil {
			return 0, err
		}
		poolID := cluster.Route(name, snap, index)
		j.Buffers[poolID].AppendSeries(name, points)
		total += len(points)
	}
	return total, nil
}

// decodeArrayForm reads `[ {name, points}, ... ]`. Each element is a
// 2-element map whose keys may appear in either order; points decoded
// before name resolves are held in a local scratch slice and flushed into
// the chosen pool buffer once the name is known, in the original
// insertion order.
func decodeArrayForm(r *tbf.Reader, snap cluster.Snapshot, index cluster.SeriesIndex, j *job.Job, validTS ValidTS) (int, error) {
	r.ConsumeTag() // the ARRAY_OPEN already peeked by Assign
	total := 0
	for {
		tag, ok := r.PeekTag()
		if !ok {
			break
		}
		if tag == tbf.TagArrayClose {
			r.ConsumeTag()
			break
		}

		elemTag, err := r.ConsumeTag()
		if err != nil || elemTag != tbf.TagMapOpen {
			return 0, tbf.NewDecodeError(tbf.ErrExpectingNameAndPoints)
		}

		var name []byte
		var points []tbf.Point
		var haveName, havePoints bool

		for i := 0; i < 2; i++ {
			key, err := r.ReadName()
			if err != nil {
				return 0, tbf.NewDecodeError(tbf.ErrExpectingNameAndPoints)
			}
			switch string(key) {
			case "name":
				n, err := r.ReadName()
				if err != nil {
					return 0, err
				}
				name = n
				haveName = true
			case "points":
				pts, err := readPointsArray(r, validTS)
				if err != nil {
					return 0, err
				}
				points = pts
				havePoints = true
			default:
				return 0, tbf.NewDecodeError(tbf.ErrExpectingNameAndPoints)
			}
		}

		closeTag, err := r.ConsumeTag()
		if err != nil || (closeTag != tbf.TagMapClose && closeTag != tbf.TagEnd) {
			return 0, tbf.NewDecodeError(tbf.ErrExpectingNameAndPoints)
		}
		if !haveName || !havePoints {
			return 0, tbf.NewDecodeError(tbf.ErrExpectingNameAndPoints)
		}

		poolID := cluster.Route(name, snap, index)
		j.Buffers[poolID].AppendSeries(name, points)
		total += len(points)
	}
	return total, nil
}

// ReadSeriesMap decodes an already-repacked TBF map body — as produced by
// job.PoolBuffer.Finish — and invokes each for every series, in order.
// rawFragment is the verbatim `raw(name), ARRAY_OPEN..ARRAY_CLOSE` byte
// span for that series, suitable for forwarding byte-for-byte. It is used
// by LocalApply to walk a pool's buffer without re-running routing or
// timestamp validation, both already done by Assign.
func ReadSeriesMap(data []byte, each func(name []byte, points []tbf.Point, rawFragment []byte) error) error {
	r := tbf.NewReader(data)
	tag, err := r.ConsumeTag()
	if err != nil || tag != tbf.TagMapOpen {
		return tbf.NewDecodeError(tbf.ErrExpectingMapOrArray)
	}
	for {
		t, ok := r.PeekTag()
		if !ok || t == tbf.TagMapClose || t == tbf.TagEnd {
			if ok {
				r.ConsumeTag()
			}
			return nil
		}
		start := r.Pos()
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		points, err := readPointsArray(r, func(int64) bool { return true })
		if err != nil {
			return err
		}
		end := r.Pos()
		if err := each(name, points, data[start:end]); err != nil {
			return err
		}
	}
}

// readPointsArray reads the points container for one series: must be an
// array of at least one (ts, value) tuple.
func readPointsArray(r *tbf.Reader, validTS ValidTS) ([]tbf.Point, error) {
	tag, err := r.ConsumeTag()
	if err != nil || tag != tbf.TagArrayOpen {
		return nil, tbf.NewDecodeError(tbf.ErrExpectingArray)
	}

	var points []tbf.Point
	for {
		t, ok := r.PeekTag()
		if !ok {
			return nil, tbf.NewDecodeError(tbf.ErrExpectingArray)
		}
		if t == tbf.TagArrayClose {
			r.ConsumeTag()
			break
		}
		pt, err := r.ReadPoint()
		if err != nil {
			return nil, err
		}
		if !validTS(pt.TS) {
			return nil, tbf.NewDecodeError(tbf.ErrTimestampOutOfRange)
		}
		points = append(points, pt)
	}

	if len(points) == 0 {
		return nil, tbf.NewDecodeError(tbf.ErrExpectingAtLeastOnePoint)
	}
	return points, nil
}
