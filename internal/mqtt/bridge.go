package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgewatch/heartbeat/internal/domain"
	"github.com/edgewatch/heartbeat/internal/service/ingest"
)

const (
	connectTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho API takes a uint
	submitTimeout     = 10 * time.Second
)

// Submitter accepts validated heartbeat submissions. Satisfied by the
// ingest service.
type Submitter interface {
	Submit(ctx context.Context, req ingest.Request) (*domain.Heartbeat, error)
}

// Bridge subscribes to a broker topic and feeds published heartbeat
// payloads through the same ingestion path as the HTTP endpoint. Broker
// transport is already authenticated at the broker, so the shared-secret
// guard does not apply here.
type Bridge struct {
	client paho.Client
	ingest Submitter
	topic  string
	logger *slog.Logger
}

// NewBridge connects to the broker and returns a ready Bridge.
func NewBridge(brokerURL, clientID, topic string, submitter Submitter, logger *slog.Logger) (*Bridge, error) {
	if brokerURL == "" {
		return nil, errors.New("mqtt: broker url required")
	}
	if submitter == nil {
		return nil, errors.New("mqtt: submitter required")
	}
	if logger != nil {
		logger = logger.With("component", "mqtt_bridge")
	}
	opts := paho.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", brokerURL, err)
	}
	return &Bridge{client: client, ingest: submitter, topic: topic, logger: logger}, nil
}

// Run subscribes and processes messages until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	token := b.client.Subscribe(b.topic, 0, func(_ paho.Client, msg paho.Message) {
		b.handleMessage(ctx, msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: subscribe to %s timed out", b.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe to %s: %w", b.topic, err)
	}
	if b.logger != nil {
		b.logger.Info("mqtt bridge listening", "topic", b.topic)
	}
	<-ctx.Done()
	b.client.Disconnect(disconnectQuiesce)
	if b.logger != nil {
		b.logger.Info("mqtt bridge stopped")
	}
	return nil
}

// handleMessage decodes and submits one published heartbeat. A rejected
// message is dropped with a warning; one bad agent must not stall the
// subscription.
func (b *Bridge) handleMessage(ctx context.Context, topic string, payload []byte) {
	var req ingest.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		if b.logger != nil {
			b.logger.Warn("mqtt heartbeat rejected", "topic", topic, "error", err)
		}
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	hb, err := b.ingest.Submit(submitCtx, req)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("mqtt heartbeat rejected", "topic", topic, "server_id", req.ServerID, "error", err)
		}
		return
	}
	if b.logger != nil {
		b.logger.Debug("mqtt heartbeat stored", "server_id", hb.ServerID, "heartbeat_id", hb.ID)
	}
}
