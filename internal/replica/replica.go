// Package replica is a thin durability layer next to internal/transport: a
// replica is just another peer with its own topic (design note), so this
// package reuses internal/transport's Packet encoding rather than inventing
// a second wire format, producing onto that topic with its own client.
package replica

import (
	"context"
	"crypto/tls"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/tsdb-ingest/internal/job"
	"github.com/route-beacon/tsdb-ingest/internal/metrics"
	"github.com/route-beacon/tsdb-ingest/internal/transport"
)

// Replica forwards insert fragments to a standby copy of this pool over a
// dedicated Kafka topic, tracking whether the standby has finished its
// initial catch-up sync.
type Replica struct {
	client   *kgo.Client
	topic    string
	logger   *zap.Logger
	initsync atomic.Bool
}

// New builds a replica forwarder producing onto topic. The replica does
// not consume acks; durability here is "at least delivered to the log", not
// "applied and acknowledged" — matching replicate.enqueue's fire-and-forget
// contract (spec §6).
func New(brokers []string, clientID, topic string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Replica, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Replica{client: client, topic: topic, logger: logger}, nil
}

// Enqueue ships pkt to the replica topic asynchronously. Failures are
// logged and counted but never propagate to the insert's client response:
// replica delivery is best-effort by design.
func (r *Replica) Enqueue(ctx context.Context, pkt transport.Packet) {
	rec := &kgo.Record{Topic: r.topic, Value: transport.Encode(pkt)}
	r.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			r.logger.Error("replica: enqueue failed", zap.Error(err))
			metrics.ReplicaEnqueuedTotal.WithLabelValues("nack").Inc()
			return
		}
		metrics.ReplicaEnqueuedTotal.WithLabelValues("ok").Inc()
	})
}

// Filter decides whether a fragment destined for the replica should
// actually be sent, modeling replicate.filter's Option<Pkt> return as a
// (fragment, ok) pair: ok is false once the standby has finished its
// initial sync and flags mark this fragment as already-seen by it (the
// TESTED tag), avoiding a duplicate send during the catch-up window.
func (r *Replica) Filter(body []byte, flags job.Flags) ([]byte, bool) {
	if r.initsync.Load() && flags.Has(job.FlagTested) {
		return nil, false
	}
	return body, true
}

// MarkSynced flips the one-shot flag recording that the standby has
// finished its initial catch-up sync. Safe to call more than once; only
// the first call has any effect.
func (r *Replica) MarkSynced() { r.initsync.Store(true) }

func (r *Replica) IsSynced() bool { return r.initsync.Load() }

func (r *Replica) Close() { r.client.Close() }
