// Package cluster holds the pool registry snapshot and the Router that
// decides, per series name, which pool is authoritative for it — including
// during re-indexing, when authority is split between a previous and a
// current hash function.
package cluster

import "github.com/cespare/xxhash/v2"

// HashFn maps a series name to a pool id in [0, pool_count).
type HashFn func(name []byte) int

// NewXXHashLookup returns the default HashFn: a non-cryptographic hash over
// the series name, reduced mod the live pool count. This is the hash a real
// clustered store partitions writes on.
func NewXXHashLookup(poolCount int) HashFn {
	return func(name []byte) int {
		return int(xxhash.Sum64(name) % uint64(poolCount))
	}
}

// SeriesIndex is the live series-existence check the Router consults during
// re-indexing. It MUST be backed by the same lock discipline LocalApply
// uses, or a concurrent series creation could route the same name twice.
type SeriesIndex interface {
	Contains(name []byte) bool
}

// Snapshot is the pool registry state visible to one insert job. It is
// captured once per job (see job.Job) so a concurrent pool-count change
// during re-indexing never changes the shape of a job already in flight.
type Snapshot struct {
	PoolCount  int
	OwnPoolID  int
	Lookup     HashFn
	PrevLookup HashFn // non-nil iff Reindexing
	Reindexing bool
	HasReplica bool
}

// Route implements the routing decision from spec §4.2:
//
//	if not reindexing:           return lookup(name)
//	else if series exists here:  return own_pool_id
//	else if prev_lookup(name) == own_pool_id: return lookup(name)
//	else:                        return prev_lookup(name)
func Route(name []byte, snap Snapshot, index SeriesIndex) int {
	if !snap.Reindexing {
		return snap.Lookup(name)
	}
	if index.Contains(name) {
		return snap.OwnPoolID
	}
	prevOwner := snap.PrevLookup(name)
	if prevOwner == snap.OwnPoolID {
		return snap.Lookup(name)
	}
	return prevOwner
}
