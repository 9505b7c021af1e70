// Package audit fans security events out to the analytics backends:
// ClickHouse is the durable system of record, Kafka feeds downstream
// consumers, Elasticsearch serves ad-hoc queries. Only the ClickHouse
// write participates in the caller's success.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"passkey-service/internal/bucketing"
	"passkey-service/internal/client"
	"passkey-service/internal/config"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

const insertEventQuery = `
    INSERT INTO security_events (
        event_bucket, event_id, user_id, event_date, event_time, event_type,
        ceremony_type, credential_id, ip_address, severity, risk_score, details
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type Sink struct {
	ch      *client.ClickHouseClient
	kafka   *client.KafkaProducer
	es      *client.ESClient
	buckets *bucketing.Manager
	config  *config.Config
	clock   models.Clock
}

func NewSink(ch *client.ClickHouseClient, kafka *client.KafkaProducer, es *client.ESClient,
	buckets *bucketing.Manager, cfg *config.Config, clock models.Clock) *Sink {
	if clock == nil {
		clock = time.Now
	}
	return &Sink{
		ch:      ch,
		kafka:   kafka,
		es:      es,
		buckets: buckets,
		config:  cfg,
		clock:   clock,
	}
}

// Append records one event. The warehouse write is synchronous; the
// stream and search index are best effort and never fail the caller.
func (s *Sink) Append(ctx context.Context, event *models.SecurityEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.EventTime.IsZero() {
		event.EventTime = s.clock().UTC()
	}
	event.EventDate = s.buckets.DateBucket(event.EventTime)
	event.EventBucket = s.buckets.EventBucket(event.UserID)

	ipStr := ""
	if event.IPAddress != nil {
		ipStr = event.IPAddress.String()
	}

	if err := s.ch.Exec(ctx, insertEventQuery,
		event.EventBucket, event.EventID, event.UserID, event.EventDate,
		event.EventTime, event.EventType, event.CeremonyType,
		event.CredentialID, ipStr, string(event.Severity),
		event.RiskScore, event.Details,
	); err != nil {
		util.Error("Failed to append security event",
			zap.String("event_type", event.EventType),
			zap.String("user_id", event.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to append security event: %w", err)
	}

	s.fanOut(ctx, event)

	util.Debug("Security event appended",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("severity", string(event.Severity)))

	return nil
}

func (s *Sink) fanOut(ctx context.Context, event *models.SecurityEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to encode security event", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.kafka != nil {
		g.Go(func() error {
			if err := s.kafka.ProduceMessage(gctx, s.config.Kafka.EventsTopic,
				[]byte(event.UserID), payload, map[string]string{
					"event_type": event.EventType,
				}); err != nil {
				util.Warn("Security event stream publish failed",
					zap.String("event_id", event.EventID),
					zap.Error(err))
			}
			return nil
		})
	}

	if s.es != nil {
		g.Go(func() error {
			res, err := s.es.IndexDocument(gctx, s.config.Elasticsearch.EventsIndex,
				event.EventID, event)
			if err != nil {
				util.Warn("Security event indexing failed",
					zap.String("event_id", event.EventID),
					zap.Error(err))
				return nil
			}
			res.Body.Close()
			return nil
		})
	}

	_ = g.Wait()
}

// RecentEvents queries the search index for a user's latest events.
func (s *Sink) RecentEvents(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	if s.es == nil {
		return nil, fmt.Errorf("event search is not configured")
	}
	if limit <= 0 {
		limit = 50
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{
			{"event_time": map[string]string{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"user_id.keyword": userID,
			},
		},
	}

	res, err := s.es.Search(ctx, s.config.Elasticsearch.EventsIndex, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search security events: %w", err)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source *models.SecurityEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := s.es.ParseResponse(res, &parsed); err != nil {
		return nil, err
	}

	events := make([]*models.SecurityEvent, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		events = append(events, hit.Source)
	}

	return events, nil
}

// RetentionSweep drops warehouse rows older than the configured
// retention window.
func (s *Sink) RetentionSweep(ctx context.Context) error {
	cutoff := s.clock().UTC().Add(-s.config.Clickhouse.EventRetention)

	if err := s.ch.Exec(ctx,
		`ALTER TABLE security_events DELETE WHERE event_time < ?`, cutoff); err != nil {
		util.Error("Security event retention sweep failed", zap.Error(err))
		return fmt.Errorf("retention sweep failed: %w", err)
	}

	util.Info("Security event retention sweep completed",
		zap.Time("cutoff", cutoff))

	return nil
}

// StartRetentionSweeper runs RetentionSweep daily until ctx ends.
func (s *Sink) StartRetentionSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
				_ = s.RetentionSweep(sweepCtx)
				cancel()
			}
		}
	}()
}
