package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/pullpay/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing transfer events to NATS.
type Publisher interface {
	// PublishTransferEvent publishes a transfer lifecycle event to JetStream.
	// The event is published to the subject "transfers.{depositor}".
	PublishTransferEvent(ctx context.Context, event *TransferEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes transfer events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for transfers.
	StreamName = "TRANSFERS"

	// SubjectPrefix prefixes the per-depositor subject.
	SubjectPrefix = "transfers"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + ".*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// Subject returns the subject events for depositor are published on.
// Addresses are lowercased so subscribers need not know the checksum form.
func Subject(depositor string) string {
	return SubjectPrefix + "." + strings.ToLower(depositor)
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
// If metrics is nil, no metrics will be recorded.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("pullpay-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized", "stream", StreamName)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		if info, err := stream.Info(ctx); err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Delegated transfer lifecycle events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishTransferEvent publishes a single transfer event. The message ID is
// derived from hash and status so JetStream drops duplicate deliveries.
func (p *JetStreamPublisher) PublishTransferEvent(ctx context.Context, event *TransferEvent) error {
	start := time.Now()
	subject := Subject(event.Depositor)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.Hash+":"+event.Status))
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(SubjectPrefix, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish transfer event: %w", err)
	}

	p.logger.DebugContext(ctx, "published transfer event",
		"subject", subject,
		"tx_hash", event.Hash,
		"status", event.Status,
	)

	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
