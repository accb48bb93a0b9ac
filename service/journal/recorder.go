// Package journal records submitted transfers outside the stateless transfer
// pipeline. Timed-out confirmations are handed to reconciliation.
package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/pullpay/service/db"
	natspkg "github.com/brojonat/pullpay/service/nats"
	"github.com/brojonat/pullpay/service/temporal"
	"github.com/brojonat/pullpay/service/transfer"
)

// writeTimeout bounds each journal side effect. Side effects run on a
// context detached from the request so a client disconnect cannot drop the
// record of a broadcast transfer.
const writeTimeout = 10 * time.Second

// Store is the subset of *db.Store the recorder writes to.
type Store interface {
	CreateTransfer(ctx context.Context, params db.CreateTransferParams) (*db.Transfer, error)
	UpdateTransferStatus(ctx context.Context, hash, status, errorKind string) (*db.Transfer, error)
}

// Recorder implements transfer.Observer. Every dependency is optional; a
// Recorder with none of them does nothing.
type Recorder struct {
	store      Store
	publisher  natspkg.Publisher
	reconciler temporal.Reconciler
	logger     *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

func WithStore(s Store) Option {
	return func(r *Recorder) { r.store = s }
}

func WithPublisher(p natspkg.Publisher) Option {
	return func(r *Recorder) { r.publisher = p }
}

func WithReconciler(rc temporal.Reconciler) Option {
	return func(r *Recorder) { r.reconciler = rc }
}

func NewRecorder(logger *slog.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{logger: logger.With("component", "journal")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether the recorder has anything to do.
func (r *Recorder) Enabled() bool {
	return r.store != nil || r.publisher != nil || r.reconciler != nil
}

// TransferSubmitted journals the broadcast transfer and publishes a
// submitted event.
func (r *Recorder) TransferSubmitted(ctx context.Context, s transfer.Submission) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	event := eventFromSubmission(s, db.StatusSubmitted, "")

	if r.store != nil {
		row, err := r.store.CreateTransfer(ctx, db.CreateTransferParams{
			RequestID:   s.RequestID,
			Hash:        s.Hash.Hex(),
			Depositor:   s.Depositor.Hex(),
			Recipient:   s.Recipient.Hex(),
			Token:       s.Token.Hex(),
			AmountMinor: s.AmountMinor,
			Amount:      s.Amount,
			Decimals:    s.Decimals,
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to journal submitted transfer",
				"tx_hash", s.Hash.Hex(),
				"error", err,
			)
		} else {
			event = natspkg.FromDBTransfer(row)
		}
	}

	r.publish(ctx, event)
}

// TransferFinished records the terminal status. A confirmation timeout leaves
// the outcome unknown, so reconciliation is started for it.
func (r *Recorder) TransferFinished(ctx context.Context, s transfer.Submission, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	status, kind := StatusFor(err)
	event := eventFromSubmission(s, status, kind)

	if r.store != nil {
		row, uerr := r.store.UpdateTransferStatus(ctx, s.Hash.Hex(), status, kind)
		if uerr != nil {
			r.logger.ErrorContext(ctx, "failed to update journaled transfer",
				"tx_hash", s.Hash.Hex(),
				"status", status,
				"error", uerr,
			)
		} else {
			event = natspkg.FromDBTransfer(row)
		}
	}

	r.publish(ctx, event)

	if status == db.StatusTimeout && r.reconciler != nil {
		serr := r.reconciler.StartReconcile(ctx, temporal.ReconcileTransferInput{
			Hash:      s.Hash.Hex(),
			Depositor: s.Depositor.Hex(),
			RequestID: s.RequestID,
		})
		if serr != nil {
			r.logger.ErrorContext(ctx, "failed to start reconciliation",
				"tx_hash", s.Hash.Hex(),
				"error", serr,
			)
		}
	}
}

// StatusFor maps a confirmation outcome to a journal status and error kind.
func StatusFor(err error) (status, kind string) {
	if err == nil {
		return db.StatusConfirmed, ""
	}
	k := transfer.Classify(err)
	switch k {
	case transfer.KindConfirmationTimeout:
		return db.StatusTimeout, string(k)
	case transfer.KindContractRevert:
		return db.StatusReverted, string(k)
	default:
		return db.StatusFailed, string(k)
	}
}

func (r *Recorder) publish(ctx context.Context, event *natspkg.TransferEvent) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishTransferEvent(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to publish transfer event",
			"tx_hash", event.Hash,
			"status", event.Status,
			"error", err,
		)
	}
}

func eventFromSubmission(s transfer.Submission, status, kind string) *natspkg.TransferEvent {
	now := time.Now().UTC()
	event := &natspkg.TransferEvent{
		Hash:        s.Hash.Hex(),
		RequestID:   s.RequestID,
		Depositor:   s.Depositor.Hex(),
		Recipient:   s.Recipient.Hex(),
		Token:       s.Token.Hex(),
		Amount:      s.Amount,
		Status:      status,
		ErrorKind:   kind,
		Timestamp:   now,
		PublishedAt: now,
	}
	if s.AmountMinor != nil {
		event.AmountMinor = s.AmountMinor.String()
	}
	return event
}

var _ transfer.Observer = (*Recorder)(nil)
