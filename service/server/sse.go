package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/pullpay/service/ledger"
	natspkg "github.com/brojonat/pullpay/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EventStream relays transfer events from JetStream to Server-Sent Events clients.
type EventStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewEventStream connects to NATS for relaying transfer events.
func NewEventStream(natsURL string, logger *slog.Logger) (*EventStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("pullpay-sse"),
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

	logger.Info("SSE event stream initialized")

	return &EventStream{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (s *EventStream) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("SSE event stream closed")
	}
	return nil
}

// WithEventStream enables the SSE transfer event endpoints.
func (s *Server) WithEventStream(stream *EventStream) *Server {
	s.stream = stream
	return s
}

// handleStreamTransfers streams transfer lifecycle events. Without a
// depositor path parameter every depositor's events are sent.
// GET /api/v1/stream/transfers/{depositor}
// GET /api/v1/stream/transfers
func handleStreamTransfers(stream *EventStream, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := natspkg.StreamSubjects
		scope := "all depositors"
		if depositor := r.PathValue("depositor"); depositor != "" {
			addr, err := ledger.ParseAddress(depositor)
			if err != nil {
				writeError(w, "depositor: "+err.Error(), http.StatusBadRequest)
				return
			}
			subject = natspkg.Subject(addr.Hex())
			scope = addr.Hex()
		}

		// The server write timeout is sized for a single request, not a stream.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		_ = rc.Flush()

		ctx := r.Context()
		logger.DebugContext(ctx, "SSE client connected", "depositor", scope, "remote_addr", r.RemoteAddr)

		// Ephemeral consumer, removed by the server once the connection is gone
		cons, err := stream.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject:     subject,
			AckPolicy:         jetstream.AckExplicitPolicy,
			DeliverPolicy:     jetstream.DeliverNewPolicy,
			InactiveThreshold: time.Minute,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to create consumer", "depositor", scope, "error", err)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				logger.ErrorContext(ctx, "failed to start consuming messages", "error", err)
				return
			}
			<-ctx.Done()
			cc.Stop()
		}()

		connected, _ := json.Marshal(map[string]string{"depositor": scope})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
		_ = rc.Flush()

		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				_ = rc.Flush()

			case msg := <-msgChan:
				var event natspkg.TransferEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(ctx, "failed to unmarshal event", "error", err)
					msg.Ack()
					continue
				}

				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(ctx, "failed to marshal event", "error", err)
					msg.Ack()
					continue
				}

				fmt.Fprintf(w, "event: transfer\ndata: %s\n\n", data)
				_ = rc.Flush()
				msg.Ack()

				logger.DebugContext(ctx, "sent transfer event", "tx_hash", event.Hash, "status", event.Status)

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "depositor", scope, "remote_addr", r.RemoteAddr)
				return

			case <-doneChan:
				return
			}
		}
	})
}
