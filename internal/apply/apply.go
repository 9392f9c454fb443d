// Package apply implements LocalApply's two variants (spec §4.5): the plain
// apply used for series this pool already owns, and the test variant used
// during re-indexing, which may re-route a series and forward it verbatim
// to another pool instead of applying it here.
package apply

import (
	"context"
	"fmt"

	"github.com/route-beacon/tsdb-ingest/internal/cluster"
	"github.com/route-beacon/tsdb-ingest/internal/errbus"
	"github.com/route-beacon/tsdb-ingest/internal/ingest"
	"github.com/route-beacon/tsdb-ingest/internal/job"
	"github.com/route-beacon/tsdb-ingest/internal/metrics"
	"github.com/route-beacon/tsdb-ingest/internal/storage"
	"github.com/route-beacon/tsdb-ingest/internal/tbf"
)

// ServerIdentity resolves the owning server for a series name under
// replication, and reports this node's own server id. The replica
// subsystem that backs it is out of this package's scope.
type ServerIdentity interface {
	ServerID(name []byte) string
	OwnServerID() string
}

// Result summarizes one LocalApply pass over a pool buffer.
type Result struct {
	// Applied is the number of points actually written to the storage
	// engine on this node (excludes forwarded series).
	Applied int
	// Critical reports whether the pass stopped early because the
	// ErrorBus was already raised.
	Critical bool
	// Forwards holds, for the test variant only, one TBF map-body buffer
	// per destination pool that received forwarded series fragments.
	// Callers must call Finish on each before handing it to the
	// transport. Empty when the plain variant ran, or when nothing had
	// to be forwarded.
	Forwards map[int]*job.PoolBuffer
}

// Run decides which LocalApply variant applies to this buffer and runs it.
// useTest mirrors spec §4.5's trigger: the job carries job.FlagTest, or the
// node is reindexing without job.FlagTested.
func Run(ctx context.Context, buf []byte, flags job.Flags, snap cluster.Snapshot, engine *storage.Engine, bus *errbus.Bus, identity ServerIdentity) (Result, error) {
	useTest := flags.Has(job.FlagTest) || (snap.Reindexing && !flags.Has(job.FlagTested))
	if useTest {
		return runTest(ctx, buf, snap, engine, bus, identity)
	}
	return runPlain(ctx, buf, engine, bus)
}

// runPlain iterates map entries in order; for each name it looks up or
// creates the series (creation fixes the series' value type from the first
// point's value), then feeds every point to the storage engine in order.
// It checks the ErrorBus before each series and before each point.
func runPlain(ctx context.Context, buf []byte, engine *storage.Engine, bus *errbus.Bus) (Result, error) {
	unlock := engine.LockForApply()
	defer unlock()

	var res Result
	err := ingest.ReadSeriesMap(buf, func(name []byte, points []tbf.Point, _ []byte) error {
		if bus.Raised() {
			res.Critical = true
			return errStop
		}
		if err := applySeries(ctx, engine, bus, name, points, &res); err != nil {
			return err
		}
		return nil
	})
	if err == errStop {
		err = nil
	}
	if flushErr := engine.FlushPending(ctx); flushErr != nil {
		raiseCritical(bus, flushErr)
		res.Critical = true
	}
	return res, err
}

// runTest implements the re-indexing variant: a series already present
// locally applies as in the plain variant; otherwise its name is re-routed.
// A name that routes to this pool is created and applied locally. A name
// that routes elsewhere is either skipped (a replica exists and owns the
// forward) or queued for verbatim forwarding to its new pool.
func runTest(ctx context.Context, buf []byte, snap cluster.Snapshot, engine *storage.Engine, bus *errbus.Bus, identity ServerIdentity) (Result, error) {
	unlock := engine.LockForApply()
	defer unlock()

	res := Result{Forwards: make(map[int]*job.PoolBuffer)}
	err := ingest.ReadSeriesMap(buf, func(name []byte, points []tbf.Point, rawFragment []byte) error {
		if bus.Raised() {
			res.Critical = true
			return errStop
		}
		if _, exists := engine.Lookup(name); exists {
			return applySeries(ctx, engine, bus, name, points, &res)
		}
		destPool := cluster.Route(name, snap, heldIndex{engine})
		if destPool == snap.OwnPoolID {
			return applySeries(ctx, engine, bus, name, points, &res)
		}
		if snap.HasReplica && identity != nil && identity.ServerID(name) != identity.OwnServerID() {
			// The replica owns delivering this series to its new home.
			return nil
		}

		fwd, ok := res.Forwards[destPool]
		if !ok {
			fwd = job.NewPoolBuffer(destPool)
			res.Forwards[destPool] = fwd
		}
		fwd.AppendRaw(rawFragment)
		metrics.ForwardedSeriesTotal.WithLabelValues(poolLabel(destPool)).Inc()
		return nil
	})
	if err == errStop {
		err = nil
	}
	if flushErr := engine.FlushPending(ctx); flushErr != nil {
		raiseCritical(bus, flushErr)
		res.Critical = true
	}
	return res, err
}

// applySeries looks up or creates the series (fixing its value type from
// the first point when newly created) and writes every point to the
// engine, checking the ErrorBus before each point per spec §4.6.
func applySeries(ctx context.Context, engine *storage.Engine, bus *errbus.Bus, name []byte, points []tbf.Point, res *Result) error {
	if len(points) == 0 {
		return nil
	}
	s, created := engine.GetOrCreate(name, storage.ValueTypeOf(points[0].Value))
	if !created && s.IsEmpty() {
		s.ValueType = storage.ValueTypeOf(points[0].Value)
	}

	for _, p := range points {
		if bus.Raised() {
			res.Critical = true
			return errStop
		}
		if err := engine.AddPoint(s, p.TS, p.Value); err != nil {
			raiseCritical(bus, err)
			res.Critical = true
			return errStop
		}
		res.Applied++
	}
	return nil
}

// heldIndex answers cluster.SeriesIndex from the engine's series map for a
// caller that already holds LockForApply; Engine.Contains would try to take
// series_mutex a second time.
type heldIndex struct{ engine *storage.Engine }

func (h heldIndex) Contains(name []byte) bool {
	_, ok := h.engine.Lookup(name)
	return ok
}

func raiseCritical(bus *errbus.Bus, err error) {
	bus.Raise(fmt.Sprintf("storage: %v", err))
}

func poolLabel(poolID int) string {
	return fmt.Sprintf("%d", poolID)
}

// errStop is a sentinel used to unwind out of ingest.ReadSeriesMap's
// callback once the ErrorBus trips or a critical storage error occurs; it
// never escapes this package as a real error.
var errStop = fmt.Errorf("apply: stopped on critical error")
