// Package job models the insert job: the per-request state that survives
// from client packet arrival through the Decoder/Repacker phase, the async
// dispatch fan-out, and finally the aggregate client response.
package job

import (
	"sync/atomic"

	"github.com/route-beacon/tsdb-ingest/internal/tbf"
)

// Flags is a bit set over {TEST, TESTED}, carried on the job and mirrored
// onto the wire tag used for peer packets.
type Flags uint8

const (
	FlagTest Flags = 1 << iota
	FlagTested
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ClientHandle is the reference-locked client connection collaborator. The
// socket/packet layer that implements it is out of this core's scope.
type ClientHandle interface {
	// Lock marks the client reference-locked for the insert's lifetime.
	Lock()
	// Unlock releases the reference lock; called exactly once, when the
	// job is freed.
	Unlock()
	// SendResponse delivers the final aggregate response for requestID.
	SendResponse(requestID uint64, resp Response) error
}

// Response is the client-visible outcome of one insert (spec §6).
type Response struct {
	Success bool
	Message string
}

func SuccessResponse(npoints int) Response {
	return Response{Success: true, Message: successMessage(npoints)}
}

func ErrorResponse(msg string) Response {
	return Response{Success: false, Message: msg}
}

func successMessage(npoints int) string {
	return "Inserted " + itoa(npoints) + " point(s) successfully."
}

// itoa avoids pulling in strconv just for this one call site; kept tiny and
// local since Response messages never carry negative counts.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// PoolBuffer is the Repacker's per-pool output buffer: a TBF map body the
// Decoder appends `name -> [point, ...]` entries into. A buffer whose body
// is exactly the MAP_OPEN marker is "empty" and the Dispatcher skips it.
type PoolBuffer struct {
	PoolID int
	w      *tbf.Writer
	closed bool
}

func NewPoolBuffer(poolID int) *PoolBuffer {
	w := tbf.NewWriter()
	w.WriteMapOpen()
	return &PoolBuffer{PoolID: poolID, w: w}
}

func (b *PoolBuffer) IsEmpty() bool { return b.w.Len() == 1 }

// AppendSeries emits `raw(name), ARRAY_OPEN, (ARRAY2 ts value)+, ARRAY_CLOSE`
// for one series, preserving point order exactly as received.
func (b *PoolBuffer) AppendSeries(name []byte, points []tbf.Point) {
	b.w.WriteRaw(name)
	b.w.WriteArrayOpen()
	for _, p := range points {
		b.w.WritePoint(p)
	}
	b.w.WriteArrayClose()
}

// AppendRaw copies an already-encoded `name, points` fragment (raw(name)
// followed by its ARRAY_OPEN..ARRAY_CLOSE points array) verbatim, used by
// the test variant of LocalApply to forward a series byte-for-byte as
// received instead of re-encoding its decoded points.
func (b *PoolBuffer) AppendRaw(fragment []byte) {
	b.w.AppendEncoded(fragment)
}

// Bytes returns the buffer contents so far (before MapClose is appended).
func (b *PoolBuffer) Bytes() []byte { return b.w.Bytes() }

// Finish appends MAP_CLOSE and returns the final encoded body. Finish must
// be called exactly once, after all series for this pool have been
// appended.
func (b *PoolBuffer) Finish() []byte {
	if !b.closed {
		b.w.WriteMapClose()
		b.closed = true
	}
	return b.w.Bytes()
}

// Job is allocated when a client insert request arrives and freed once
// resolved, releasing the client lock exactly once.
type Job struct {
	RequestID    uint64
	Client       ClientHandle
	Flags        Flags
	NPoints      int
	Buffers      []*PoolBuffer // length frozen at creation: the "frozen pool count" invariant
	refCount     int32
}

// New allocates a job with one buffer per pool, sized to the live pool
// count at creation time. The slice length never changes afterward, even
// if the live pool count changes mid-flight under a concurrent reindex.
func New(requestID uint64, client ClientHandle, flags Flags, poolCount int) *Job {
	buffers := make([]*PoolBuffer, poolCount)
	for i := range buffers {
		buffers[i] = NewPoolBuffer(i)
	}
	client.Lock()
	return &Job{
		RequestID: requestID,
		Client:    client,
		Flags:     flags,
		Buffers:   buffers,
		refCount:  1,
	}
}

// Retain increments the reference count used to keep the job alive across
// the async dispatch boundary (one or more peer sends plus the local
// apply, all of which must complete before the job is freed).
func (j *Job) Retain() { atomic.AddInt32(&j.refCount, 1) }

// Release decrements the reference count. When it reaches zero the client
// lock is released and the job is considered freed; the caller must not
// touch the job afterward.
func (j *Job) Release() {
	if atomic.AddInt32(&j.refCount, -1) == 0 {
		j.Client.Unlock()
	}
}
