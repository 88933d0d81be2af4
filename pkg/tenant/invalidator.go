package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// ChangeEvent is published by the tenant directory when a tenant's state,
// tier or features change.
type ChangeEvent struct {
	TenantID string `json:"tenant_id"`
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Invalidator consumes tenant change events and drops the corresponding
// cached access records, bounding staleness below the cache TTL.
type Invalidator struct {
	reader   messageReader
	resolver *Resolver
	logger   zerolog.Logger
}

func NewInvalidator(cfg KafkaConfig, resolver *Resolver, logger zerolog.Logger) (*Invalidator, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Invalidator{reader: r, resolver: resolver, logger: logger}, nil
}

// Run consumes until ctx is cancelled. Malformed events are logged and
// skipped; transient read errors back off briefly.
func (i *Invalidator) Run(ctx context.Context) {
	for {
		msg, err := i.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			i.logger.Warn().Err(err).Msg("tenant change feed read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var evt ChangeEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil || strings.TrimSpace(evt.TenantID) == "" {
			i.logger.Warn().Msg("discarding malformed tenant change event")
			continue
		}
		if err := i.resolver.Invalidate(ctx, evt.TenantID); err != nil {
			i.logger.Warn().Err(err).Str("tenant", evt.TenantID).Msg("cache invalidation failed")
			continue
		}
		i.logger.Debug().Str("tenant", evt.TenantID).Msg("access record invalidated")
	}
}

func (i *Invalidator) Close() error {
	if i == nil || i.reader == nil {
		return nil
	}
	return i.reader.Close()
}
