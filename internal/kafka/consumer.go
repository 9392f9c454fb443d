// Package kafka holds the consumer-group client construction for the Kafka
// collaborators in this service that join a consumer group (internal/replica
// only produces and builds its own client): the join-state tracking via the
// OnPartitionsAssigned/Revoked/Lost callback triple is identical whether the
// caller drains records onto a channel or, as internal/transport does,
// correlates records against in-flight promises.
package kafka

import (
	"context"
	"crypto/tls"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// GroupConsumer wraps a consumer-group kgo.Client with join-state tracking.
// Name identifies the client in log lines (e.g. "peer transport").
type GroupConsumer struct {
	Client *kgo.Client
	name   string
	logger *zap.Logger
	joined atomic.Bool
}

// NewGroupConsumer builds a consumer-group client for topics, tracking
// partition join state and applying the given TLS/SASL settings. extraOpts
// lets a caller append collaborator-specific kgo options (e.g.
// kgo.DisableAutoCommit is always set; a caller wanting at-most-once
// semantics would override it here).
func NewGroupConsumer(name string, brokers []string, groupID string, topics []string, clientID string,
	fetchMaxBytes int32, tlsCfg *tls.Config, saslMech sasl.Mechanism, extraOpts []kgo.Opt, logger *zap.Logger) (*GroupConsumer, error) {
	gc := &GroupConsumer{name: name, logger: logger}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ClientID(clientID),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			gc.joined.Store(true)
			logger.Info(name + ": partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, _ map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Error(name+": commit on revoke failed", zap.Error(err))
			}
			gc.joined.Store(false)
			logger.Info(name + ": partitions revoked")
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			gc.joined.Store(false)
			logger.Info(name + ": partitions lost")
		}),
	}

	if fetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(fetchMaxBytes))
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}
	opts = append(opts, extraOpts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	gc.Client = client
	return gc, nil
}

func (gc *GroupConsumer) IsJoined() bool { return gc.joined.Load() }

func (gc *GroupConsumer) Close() { gc.Client.Close() }
