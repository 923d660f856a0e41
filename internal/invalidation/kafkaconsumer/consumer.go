// Package kafkaconsumer drains cache purge events from Kafka and applies
// them to the tile cache.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/core/observability"
	"github.com/agrosense/spectral-tiles/internal/invalidation"
)

// Purger is the cache surface the consumer needs.
type Purger interface {
	PurgeIndex(ctx context.Context, index string) (int, error)
}

type Consumer struct {
	cfg   Config
	log   zerolog.Logger
	cache Purger
}

func New(cfg Config, log zerolog.Logger, cache Purger) *Consumer {
	return &Consumer{
		cfg:   cfg,
		log:   log.With().Str("component", "kafka_consumer").Logger(),
		cache: cache,
	}
}

// Start consumes until the context is cancelled. Transient group errors are
// logged and retried after a short pause.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cache == nil {
		return errors.New("kafkaconsumer: missing cache")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.log.Info().
		Strs("brokers", c.cfg.Brokers).
		Str("topic", c.cfg.Topic).
		Str("group", c.cfg.GroupID).
		Msg("invalidation consumer starting")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.log.Error().Err(err).
					Strs("brokers", c.cfg.Brokers).
					Str("topic", c.cfg.Topic).
					Msg("kafka consumer error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single purge message. Malformed messages are rejected
// so the group handler surfaces the failure instead of silently committing.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncKafkaConsumerError("decode")
		c.log.Error().Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("purge event decode failed")
		return fmt.Errorf("json decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		observability.IncKafkaConsumerError("validate")
		c.log.Error().Err(err).Str("index", ev.Index).Msg("purge event rejected")
		return fmt.Errorf("validate: %w", err)
	}

	n, err := c.cache.PurgeIndex(ctx, ev.Index)
	observability.ObserveInvalidation(ev.Index, err)
	if err != nil {
		observability.IncKafkaConsumerError("purge")
		return fmt.Errorf("purge %s: %w", ev.Index, err)
	}

	c.log.Info().
		Str("index", ev.Index).
		Str("source", ev.Source).
		Int("keys", n).
		Msg("purged cached tiles")
	return nil
}
