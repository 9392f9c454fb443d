package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/tsdb-ingest/internal/kafka"
	"github.com/route-beacon/tsdb-ingest/internal/metrics"
)

// TopicSet names the two Kafka topics backing one pool's peer channel: the
// insert topic carries fan-out packets into the pool, the ack topic carries
// ACK_INSERT back. Both are keyed by the pool the topic pair belongs to, not
// by who happens to be calling PoolTopics: topics(X).AckTopic is always the
// topic pool X listens on for its own acks.
type TopicSet struct {
	InsertTopic string
	AckTopic    string
}

// PoolTopics resolves a pool id to its topic pair.
type PoolTopics func(poolID int) TopicSet

// Applier processes one insert packet that arrived on this pool's own
// insert topic (the receiving half of the peer fan-out, spec §4.4/§6) and
// reports the outcome an ACK_INSERT carries back to the sender.
type Applier interface {
	Apply(ctx context.Context, pkt Packet) (success bool, reason string)
}

// PeerTransport ships insert fragments to peer pools, applies the fragments
// peers route to this pool, and correlates acknowledgements back to the
// Dispatcher's aggregator. Each pool is "just another peer with its own
// topic pair" (design note). The replica subsystem in internal/replica
// reuses only this package's Packet encoding, over its own producer client.
type PeerTransport struct {
	consumer  *kafka.GroupConsumer
	topics    PoolTopics
	ownPoolID int
	applier   Applier
	logger    *zap.Logger

	mu        sync.Mutex
	waiting   map[uint64]*Aggregator
	peerDescs map[uint64]string
}

// NewPeerTransport builds the transport's single kgo client, shared for
// producing insert packets to peer pools, consuming this pool's own ack
// topic, and consuming this pool's own insert topic (inbound fan-out from
// peers). Call SetApplier once the Dispatcher that will process inbound
// packets exists — the two are constructed in sequence and reference each
// other, so wiring the callback happens after both exist.
func NewPeerTransport(brokers []string, groupID, clientID string, ownPoolID int, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger, topics PoolTopics) (*PeerTransport, error) {
	own := topics(ownPoolID)
	consumer, err := kafka.NewGroupConsumer("peer transport", brokers, groupID,
		[]string{own.AckTopic, own.InsertTopic}, clientID, 0, tlsCfg, saslMech, nil, logger)
	if err != nil {
		return nil, err
	}

	return &PeerTransport{
		consumer:  consumer,
		topics:    topics,
		ownPoolID: ownPoolID,
		logger:    logger,
		waiting:   make(map[uint64]*Aggregator),
		peerDescs: make(map[uint64]string),
	}, nil
}

// SetApplier wires the collaborator that processes inbound peer-pool insert
// packets. Must be called before Run starts consuming.
func (pt *PeerTransport) SetApplier(a Applier) { pt.applier = a }

// Send fan-outs one insert packet to poolID's insert topic, non-blocking.
// accepted reports whether the send was queued at all (false only when the
// transport itself is unavailable); per spec §4.4 a rejected send does not
// count toward the aggregator's expected responses. An accepted send's
// produce completion callback reports transport-level failure (e.g. broker
// unreachable) to the aggregator, distinct from an application-level nack
// that arrives later as an ACK_INSERT record.
func (pt *PeerTransport) Send(ctx context.Context, poolID int, pkt Packet, agg *Aggregator) (accepted bool) {
	if pt == nil || pt.consumer == nil {
		return false
	}
	pkt.SourcePool = pt.ownPoolID
	ts := pt.topics(poolID)
	rec := &kgo.Record{Topic: ts.InsertTopic, Value: Encode(pkt)}

	pt.mu.Lock()
	pt.waiting[pkt.RequestID] = agg
	pt.peerDescs[pkt.RequestID] = fmt.Sprintf("pool %d", poolID)
	pt.mu.Unlock()

	pt.consumer.Client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			pt.logger.Error("peer transport: produce failed",
				zap.Int("pool", poolID), zap.Error(err))
			metrics.PeerSendsTotal.WithLabelValues(fmt.Sprintf("%d", poolID), "nack").Inc()
			agg.Resolve(false, fmt.Sprintf("pool %d unreachable", poolID))
			return
		}
		metrics.PeerSendsTotal.WithLabelValues(fmt.Sprintf("%d", poolID), "ok").Inc()
	})
	return true
}

// AwaitTimeout fails the outstanding waiter for requestID, if any, as a
// missing response. Nothing in this service calls it: no timer is armed
// when a peer send is issued, so a peer that never acks leaves its
// aggregator waiting.
func (pt *PeerTransport) AwaitTimeout(requestID uint64) {
	pt.mu.Lock()
	agg, ok := pt.waiting[requestID]
	desc := pt.peerDescs[requestID]
	delete(pt.waiting, requestID)
	delete(pt.peerDescs, requestID)
	pt.mu.Unlock()
	if !ok {
		return
	}
	agg.Timeout(desc)
}

// Run polls this pool's ack topic and its own insert topic. An ACK_INSERT
// record resolves the waiting aggregator for its request id. Any other tag
// is an inbound fan-out fragment from a peer: it is handed to the Applier
// and the outcome is published back as an ACK_INSERT on the sender's own
// ack topic (spec §4.4 step 2's peer-pool branch, §6's "Peer packet tags").
func (pt *PeerTransport) Run(ctx context.Context) {
	for {
		fetches := pt.consumer.Client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				pt.logger.Error("peer transport: fetch error",
					zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
			}
		}
		fetches.EachRecord(func(r *kgo.Record) {
			pkt, err := Decode(r.Value)
			if err != nil {
				pt.logger.Error("peer transport: decode failed", zap.Error(err))
				pt.consumer.Client.MarkCommitRecords(r)
				return
			}
			if pkt.Tag == TagAckInsert {
				pt.resolveAck(pkt)
			} else {
				pt.applyInbound(ctx, pkt)
			}
			pt.consumer.Client.MarkCommitRecords(r)
		})
		commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pt.consumer.Client.CommitMarkedOffsets(commitCtx); err != nil {
			pt.logger.Error("peer transport: commit offsets failed", zap.Error(err))
		}
		cancel()
	}
}

func (pt *PeerTransport) resolveAck(pkt Packet) {
	pt.mu.Lock()
	agg, ok := pt.waiting[pkt.RequestID]
	if ok {
		delete(pt.waiting, pkt.RequestID)
		delete(pt.peerDescs, pkt.RequestID)
	}
	pt.mu.Unlock()
	if ok {
		agg.Resolve(pkt.Success, pkt.Reason)
	}
}

func (pt *PeerTransport) applyInbound(ctx context.Context, pkt Packet) {
	success, reason := true, ""
	if pt.applier != nil {
		success, reason = pt.applier.Apply(ctx, pkt)
	} else {
		pt.logger.Warn("peer transport: inbound insert dropped, no applier wired",
			zap.Uint64("request_id", pkt.RequestID))
		success, reason = false, "no applier configured"
	}

	ack := Packet{Tag: TagAckInsert, RequestID: pkt.RequestID, Success: success, Reason: reason}
	ackTopic := pt.topics(pkt.SourcePool).AckTopic
	rec := &kgo.Record{Topic: ackTopic, Value: Encode(ack)}
	pt.consumer.Client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			pt.logger.Error("peer transport: ack produce failed",
				zap.Uint64("request_id", pkt.RequestID), zap.Int("source_pool", pkt.SourcePool), zap.Error(err))
		}
	})
}

func (pt *PeerTransport) IsJoined() bool { return pt.consumer.IsJoined() }

func (pt *PeerTransport) Close() { pt.consumer.Close() }
