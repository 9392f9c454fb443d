// Package storage is the reference implementation of the series storage
// engine collaborator spec.md treats as external (§1, §6): an in-memory
// series map guarded by the series/shards lock pair from §5, backed by a
// Postgres table partitioned by day — an adaptation of the teacher's
// maintenance.PartitionManager and history.Writer.FlushBatch, now carrying
// time-series points instead of BGP route events.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/tsdb-ingest/internal/metrics"
	"github.com/route-beacon/tsdb-ingest/internal/tbf"
)

// ValueType mirrors spec.md's V ∈ {Integer, Float, String}, plus Unset for
// a series record whose type has not been fixed by a first value (see
// SPEC_FULL.md's Open Question 1).
type ValueType uint8

const (
	ValueUnset ValueType = iota
	ValueInteger
	ValueFloat
	ValueString
)

func ValueTypeOf(v tbf.Value) ValueType {
	switch v.Kind {
	case tbf.KindInteger:
		return ValueInteger
	case tbf.KindFloat:
		return ValueFloat
	default:
		return ValueString
	}
}

// Series is the in-memory record LocalApply creates and feeds points into.
type Series struct {
	Name      []byte
	ValueType ValueType
}

// IsEmpty reports whether this series' value type is still Unset. GetOrCreate
// creates a series with the type it is given, so a series it creates is
// empty only when called with ValueUnset.
func (s *Series) IsEmpty() bool { return s.ValueType == ValueUnset }

// CriticalError marks a storage failure that must raise the ErrorBus —
// spec.md's MEM_ALLOC class, generalized to any unrecoverable engine
// failure (e.g. the backing Postgres connection pool being exhausted).
type CriticalError struct{ Err error }

func (e *CriticalError) Error() string { return fmt.Sprintf("storage: critical: %v", e.Err) }
func (e *CriticalError) Unwrap() error { return e.Err }

// Engine is the reference storage engine: an in-memory series index plus
// a daily-partitioned Postgres-backed shard store.
type Engine struct {
	seriesMu sync.RWMutex // series_mutex (spec §5)
	shardsMu sync.Mutex   // shards_mutex (spec §5)

	byName map[string]*Series

	pool       *pgxpool.Pool
	table      string
	compress   bool
	encoder    *zstd.Encoder
	logger     *zap.Logger
	pending    []pendingRow
}

type pendingRow struct {
	series *Series
	ts     int64
	value  tbf.Value
}

// NewEngine constructs a storage engine backed by pool. table is the
// logical (unpartitioned) points table name managed by
// internal/maintenance.
func NewEngine(pool *pgxpool.Pool, table string, compress bool, logger *zap.Logger) (*Engine, error) {
	var enc *zstd.Encoder
	if compress {
		var err error
		enc, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("storage: zstd encoder init: %w", err)
		}
	}
	return &Engine{
		byName:   make(map[string]*Series),
		pool:     pool,
		table:    table,
		compress: compress,
		encoder:  enc,
		logger:   logger,
	}, nil
}

// Contains implements cluster.SeriesIndex under series_mutex, per spec §4.2's
// requirement that the containment check share LocalApply's lock discipline.
func (e *Engine) Contains(name []byte) bool {
	e.seriesMu.RLock()
	defer e.seriesMu.RUnlock()
	_, ok := e.byName[string(name)]
	return ok
}

// LockForApply acquires series_mutex then shards_mutex, in that fixed
// order, and returns a function that releases both in reverse order. Every
// LocalApply pass holds this pair for its full duration; no component may
// acquire the two locks separately (design note, "Locking discipline").
func (e *Engine) LockForApply() (unlock func()) {
	e.seriesMu.Lock()
	e.shardsMu.Lock()
	return func() {
		e.shardsMu.Unlock()
		e.seriesMu.Unlock()
	}
}

// GetOrCreate returns the series by name, creating it with firstType if it
// does not exist. Must be called while holding the lock from
// LockForApply. created reports whether this call allocated the record.
func (e *Engine) GetOrCreate(name []byte, firstType ValueType) (s *Series, created bool) {
	if existing, ok := e.byName[string(name)]; ok {
		return existing, false
	}
	cp := make([]byte, len(name))
	copy(cp, name)
	s = &Series{Name: cp, ValueType: firstType}
	e.byName[string(cp)] = s
	return s, true
}

// Lookup returns the series by name without creating it. Must be called
// while holding the lock from LockForApply (or Contains' own RLock, for a
// read-only check).
func (e *Engine) Lookup(name []byte) (*Series, bool) {
	s, ok := e.byName[string(name)]
	return s, ok
}

// AddPoint enqueues one point for the series, to be flushed to the shard
// table by FlushPending. Must be called while holding the lock from
// LockForApply; points for a given series are flushed in the order
// AddPoint was called, matching spec §3's ordering invariant.
func (e *Engine) AddPoint(series *Series, ts int64, value tbf.Value) error {
	e.pending = append(e.pending, pendingRow{series: series, ts: ts, value: value})
	return nil
}

// FlushPending writes every point accumulated by AddPoint since the last
// flush into the shard table, in one batch — the same pgx.Batch shape as
// history.Writer.FlushBatch. Must be called while still holding the
// LockForApply lock: the shard write is part of the same critical section
// as the in-memory update, per spec §5.
func (e *Engine) FlushPending(ctx context.Context) error {
	if len(e.pending) == 0 {
		return nil
	}
	rows := e.pending
	e.pending = nil

	if e.pool == nil {
		// No backing store configured (e.g. a unit test's in-memory-only
		// engine); the in-memory index update already happened.
		return nil
	}

	start := time.Now()
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return &CriticalError{Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback(ctx)

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (series_name, ts, value_type, value_int, value_float, value_raw)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (series_name, ts) DO NOTHING`, pgx.Identifier{e.table}.Sanitize())

	batch := &pgx.Batch{}
	for _, row := range rows {
		var vInt *int64
		var vFloat *float64
		var vRaw []byte
		switch row.value.Kind {
		case tbf.KindInteger:
			v := row.value.Int
			vInt = &v
		case tbf.KindFloat:
			v := row.value.Float
			vFloat = &v
		case tbf.KindRaw:
			vRaw = e.maybeCompress(row.value.Raw)
		}
		batch.Queue(insertSQL, row.series.Name, row.ts, ValueTypeOf(row.value), vInt, vFloat, vRaw)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return &CriticalError{Err: fmt.Errorf("insert point[%d]: %w", i, err)}
		}
	}
	if err := results.Close(); err != nil {
		return &CriticalError{Err: fmt.Errorf("closing batch results: %w", err)}
	}
	if err := tx.Commit(ctx); err != nil {
		return &CriticalError{Err: fmt.Errorf("commit tx: %w", err)}
	}

	metrics.DBWriteDuration.WithLabelValues("points", "insert").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("points", e.table, "insert").Add(float64(len(rows)))
	return nil
}

func (e *Engine) maybeCompress(raw []byte) []byte {
	if !e.compress || e.encoder == nil {
		return raw
	}
	return e.encoder.EncodeAll(raw, nil)
}
