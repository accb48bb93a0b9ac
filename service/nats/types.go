package nats

import (
	"time"

	"github.com/brojonat/pullpay/service/db"
)

// TransferEvent represents a transfer lifecycle event published to NATS.
// This is published to the subject "transfers.{depositor}" in JetStream.
type TransferEvent struct {
	Hash      string `json:"hash"`
	RequestID string `json:"request_id,omitempty"`

	Depositor string `json:"depositor"`
	Recipient string `json:"recipient"`
	Token     string `json:"token"`

	// Amount is in human units; AmountMinor is the on-chain integer as a
	// decimal string.
	Amount      string `json:"amount"`
	AmountMinor string `json:"amount_minor"`

	Status    string `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`

	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// FromDBTransfer converts a journaled transfer to a TransferEvent for publishing.
func FromDBTransfer(t *db.Transfer) *TransferEvent {
	event := &TransferEvent{
		Hash:        t.Hash,
		RequestID:   t.RequestID,
		Depositor:   t.Depositor,
		Recipient:   t.Recipient,
		Token:       t.Token,
		Amount:      t.Amount,
		Status:      t.Status,
		ErrorKind:   t.ErrorKind,
		Timestamp:   t.UpdatedAt,
		PublishedAt: time.Now().UTC(),
	}
	if t.AmountMinor != nil {
		event.AmountMinor = t.AmountMinor.String()
	}
	return event
}
