package otp

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"passkey-service/internal/client"
	"passkey-service/internal/config"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

// Notifier delivers a fallback code to its target. Implementations
// must treat the code as secret and never persist it.
type Notifier interface {
	Deliver(ctx context.Context, method models.DeliveryMethod, target, code string) error
}

// deliveryRequest is the message published for the downstream gateway
// that actually talks to the email and SMS providers.
type deliveryRequest struct {
	Method models.DeliveryMethod `json:"method"`
	Target string                `json:"target"`
	Code   string                `json:"code"`
}

// KafkaNotifier hands delivery off to the notifications topic. The
// gateway consuming it owns provider retries and throttling.
type KafkaNotifier struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaNotifier(producer *client.KafkaProducer, cfg *config.Config) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    cfg.Kafka.NotificationsTopic,
	}
}

func (n *KafkaNotifier) Deliver(ctx context.Context, method models.DeliveryMethod, target, code string) error {
	payload, err := json.Marshal(deliveryRequest{
		Method: method,
		Target: target,
		Code:   code,
	})
	if err != nil {
		return fmt.Errorf("failed to encode delivery request: %w", err)
	}

	if err := n.producer.ProduceMessage(ctx, n.topic, []byte(target), payload, map[string]string{
		"method": string(method),
	}); err != nil {
		return fmt.Errorf("failed to publish delivery request: %w", err)
	}

	util.Debug("Fallback code delivery queued",
		zap.String("method", string(method)))

	return nil
}

// LogNotifier prints codes to the log for standalone development. It
// must never be wired in production.
type LogNotifier struct{}

func (LogNotifier) Deliver(ctx context.Context, method models.DeliveryMethod, target, code string) error {
	util.Info("Fallback code (development mode)",
		zap.String("method", string(method)),
		zap.String("target", target),
		zap.String("code", code))
	return nil
}
