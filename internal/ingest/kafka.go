package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"crowdsense/internal/config"
	"crowdsense/internal/model"
	"crowdsense/internal/normalize"
)

// StartKafka consumes capture-node uploads from a topic. Nodes with flaky
// uplinks buffer locally and publish a JSON array of sightings per message,
// so a message is either a batch, a single JSON object, or a plain line.
// Messages commit only after their sightings are handed to the engine.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Sighting, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			accepted, dropped := consumeKafkaMessage(ctx, cfg, parser, out, m.Value, logger)
			if dropped > 0 && logger != nil {
				logger.Warn("kafka message partially dropped",
					"partition", m.Partition,
					"offset", m.Offset,
					"accepted", accepted,
					"dropped", dropped,
				)
			}
			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				if logger != nil {
					logger.Warn("kafka commit error", "err", err)
				}
			}
		}
	}()
}

// consumeKafkaMessage parses one message into sightings and forwards them.
// It reports how many were accepted and how many failed to parse,
// normalize, or fit on the channel.
func consumeKafkaMessage(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Sighting, value []byte, logger *slog.Logger) (accepted, dropped int) {
	for _, fields := range kafkaMessageFields(parser, value) {
		sighting, err := normalize.Normalize(fields, cfg.Get())
		if err != nil {
			dropped++
			if logger != nil {
				logger.Warn("kafka normalize error", "err", err)
			}
			continue
		}
		sighting.Source = "kafka"
		if SendNonBlocking(ctx, out, sighting, logger) {
			accepted++
		} else {
			dropped++
		}
	}
	return accepted, dropped
}

func kafkaMessageFields(parser *Parser, value []byte) []normalize.SightingFields {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '[':
		var objs []map[string]interface{}
		if err := json.Unmarshal(trimmed, &objs); err != nil {
			return nil
		}
		out := make([]normalize.SightingFields, 0, len(objs))
		for _, obj := range objs {
			out = append(out, *ParseJSONMap(obj))
		}
		return out
	case '{':
		fields, err := ParseJSONBytes(trimmed)
		if err != nil || fields == nil {
			return nil
		}
		return []normalize.SightingFields{*fields}
	default:
		fields, err := parser.ParseLine(string(trimmed))
		if err != nil || fields == nil {
			return nil
		}
		return []normalize.SightingFields{*fields}
	}
}
