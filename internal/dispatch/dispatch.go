// Package dispatch implements the Dispatcher: the fan-out that hands
// remote pool buffers to the peer transport, applies the local buffer
// in-process, mirrors it to a replica when one exists, and emits the
// single aggregate response once every peer has answered.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/route-beacon/tsdb-ingest/internal/apply"
	"github.com/route-beacon/tsdb-ingest/internal/cluster"
	"github.com/route-beacon/tsdb-ingest/internal/errbus"
	"github.com/route-beacon/tsdb-ingest/internal/job"
	"github.com/route-beacon/tsdb-ingest/internal/metrics"
	"github.com/route-beacon/tsdb-ingest/internal/replica"
	"github.com/route-beacon/tsdb-ingest/internal/storage"
	"github.com/route-beacon/tsdb-ingest/internal/transport"
)

// Dispatcher holds every long-lived collaborator the fan-out needs. One
// Dispatcher serves every insert for a given node.
type Dispatcher struct {
	NodeName  string
	Transport *transport.PeerTransport
	Replica   *replica.Replica // nil when no replica is configured
	Engine    *storage.Engine
	Bus       *errbus.Bus
	Identity  apply.ServerIdentity
	// Snapshot returns the pool registry state in effect right now, used
	// by Apply to route an inbound peer packet's test variant the same
	// way Dispatch's caller captures one per client job.
	Snapshot func() cluster.Snapshot
	Logger   *zap.Logger
}

// Dispatch runs the full fan-out for one decoded, repacked job and sends
// the aggregate response to the client. j.NPoints must already be set to
// the Decoder's total. snap is the pool registry snapshot in effect when
// the buffers were repacked.
func (d *Dispatcher) Dispatch(ctx context.Context, j *job.Job, snap cluster.Snapshot) {
	var localCritical bool
	forwards := make(map[int]*job.PoolBuffer)

	agg := transport.NewAggregator(func(firstFailure string) {
		d.respond(ctx, j, snap.OwnPoolID, localCritical, firstFailure)
	})

	remoteAccepted := 0

	for i := 0; i < len(j.Buffers); i++ {
		buf := j.Buffers[i]
		if buf.IsEmpty() {
			continue
		}

		if i == snap.OwnPoolID {
			res := d.applyOwn(ctx, buf, j.Flags, snap)
			if res.Critical {
				localCritical = true
			}
			for pool, fwd := range res.Forwards {
				forwards[pool] = fwd
			}
			continue
		}

		pkt := transport.Packet{Tag: remoteTag(j.Flags), RequestID: j.RequestID, Payload: buf.Finish()}
		if d.Transport.Send(ctx, i, pkt, agg) {
			remoteAccepted++
		} else {
			d.Logger.Warn("dispatch: peer send rejected", zap.Int("pool", i))
		}
	}

	agg.Arm(remoteAccepted)

	if len(forwards) > 0 {
		d.forward(ctx, j, forwards)
	}
}

// applyOwn runs LocalApply for the own-pool buffer, mirroring it to the
// replica first when one exists (spec §4.4 step 2, own-pool branch).
func (d *Dispatcher) applyOwn(ctx context.Context, buf *job.PoolBuffer, flags job.Flags, snap cluster.Snapshot) apply.Result {
	body := buf.Finish()

	if d.Replica != nil {
		if !d.Replica.IsSynced() {
			d.Replica.Enqueue(ctx, transport.Packet{Tag: serverTag(flags), Payload: body})
		} else if filtered, ok := d.Replica.Filter(body, flags); ok {
			d.Replica.Enqueue(ctx, transport.Packet{Tag: serverTag(flags), Payload: filtered})
		}
	}

	res, err := apply.Run(ctx, body, flags, snap, d.Engine, d.Bus, d.Identity)
	if err != nil {
		d.Logger.Error("dispatch: local apply failed", zap.Error(err))
		res.Critical = true
	}
	return res
}

// Apply implements transport.Applier: it is the receiving half of the peer
// fan-out Dispatch issues. A packet that arrives on this pool's own insert
// topic is mirrored to the replica exactly as applyOwn mirrors a locally
// originated buffer, applied with LocalApply, and any further re-routed
// fragments (the test variant's re-indexing case) are forwarded on, same as
// a local job's. The returned outcome becomes the ACK_INSERT the caller
// publishes back to the sender's ack topic.
func (d *Dispatcher) Apply(ctx context.Context, pkt transport.Packet) (success bool, reason string) {
	flags := job.Flags(0)
	if pkt.Tag.UsesTestApply() {
		flags |= job.FlagTest
	}

	var snap cluster.Snapshot
	if d.Snapshot != nil {
		snap = d.Snapshot()
	}

	if d.Replica != nil {
		if !d.Replica.IsSynced() {
			d.Replica.Enqueue(ctx, transport.Packet{Tag: serverTag(flags), Payload: pkt.Payload})
		} else if filtered, ok := d.Replica.Filter(pkt.Payload, flags); ok {
			d.Replica.Enqueue(ctx, transport.Packet{Tag: serverTag(flags), Payload: filtered})
		}
	}

	res, err := apply.Run(ctx, pkt.Payload, flags, snap, d.Engine, d.Bus, d.Identity)
	if err != nil {
		d.Logger.Error("dispatch: inbound apply failed", zap.Error(err))
		res.Critical = true
	}
	if len(res.Forwards) > 0 {
		d.forward(ctx, &job.Job{RequestID: pkt.RequestID}, res.Forwards)
	}

	if d.Bus.Raised() || res.Critical {
		return false, fmt.Sprintf("Critical error occurred on '%s'", d.NodeName)
	}
	return true, ""
}

// forward ships the test variant's re-routed fragments to their new pools,
// as the "second async task" spec §4.5 describes. Forward sends do not
// participate in the original request's aggregator: a stranded forward is
// logged, not surfaced to the client, since the client's own insert already
// completed against this node's prior (pre-reindex) topology.
func (d *Dispatcher) forward(ctx context.Context, j *job.Job, forwards map[int]*job.PoolBuffer) {
	sink := transport.NewAggregator(func(firstFailure string) {
		if firstFailure != "" {
			d.Logger.Warn("dispatch: forward delivery incomplete", zap.String("reason", firstFailure))
		}
	})
	accepted := 0
	for pool, buf := range forwards {
		pkt := transport.Packet{Tag: transport.TagInsertTestPool, RequestID: j.RequestID, Payload: buf.Finish()}
		if d.Transport.Send(ctx, pool, pkt, sink) {
			accepted++
		}
	}
	sink.Arm(accepted)
}

func (d *Dispatcher) respond(ctx context.Context, j *job.Job, ownPoolID int, critical bool, firstPeerFailure string) {
	var resp job.Response
	switch {
	case d.Bus.Raised() || critical:
		resp = job.ErrorResponse(fmt.Sprintf("Critical error occurred on '%s'", d.NodeName))
	case firstPeerFailure != "":
		resp = job.ErrorResponse(firstPeerFailure)
	default:
		resp = job.SuccessResponse(j.NPoints)
		metrics.PointsWrittenTotal.WithLabelValues(poolLabel(ownPoolID)).Add(float64(j.NPoints))
	}

	if err := j.Client.SendResponse(j.RequestID, resp); err != nil {
		d.Logger.Error("dispatch: send response failed", zap.Error(err))
	}
	j.Release()
}

func remoteTag(flags job.Flags) transport.Tag {
	if flags.Has(job.FlagTest) {
		return transport.TagInsertTestPool
	}
	return transport.TagInsertPool
}

func serverTag(flags job.Flags) transport.Tag {
	switch {
	case flags.Has(job.FlagTest):
		return transport.TagInsertTestServer
	case flags.Has(job.FlagTested):
		return transport.TagInsertTestedServer
	default:
		return transport.TagInsertServer
	}
}

func poolLabel(poolID int) string { return fmt.Sprintf("%d", poolID) }
