package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/brojonat/pullpay/service/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Transfer statuses. A row is created as submitted and moves to exactly one
// terminal status, except timeout which reconciliation may later resolve.
const (
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusReverted  = "reverted"
	StatusTimeout   = "timeout"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when no transfer matches the lookup.
var ErrNotFound = pgx.ErrNoRows

// Store provides database operations for the transfer journal.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Migrate creates the journal schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Transfer is a journaled delegated transfer.
type Transfer struct {
	ID          uuid.UUID
	RequestID   string
	Hash        string
	Depositor   string
	Recipient   string
	Token       string
	AmountMinor *big.Int
	Amount      string
	Decimals    uint8
	Status      string
	ErrorKind   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateTransferParams contains the parameters for journaling a submitted transfer.
type CreateTransferParams struct {
	RequestID   string
	Hash        string
	Depositor   string
	Recipient   string
	Token       string
	AmountMinor *big.Int
	Amount      string
	Decimals    uint8
}

// ListTransfersParams contains filter and pagination parameters.
type ListTransfersParams struct {
	Depositor string // empty matches all
	Status    string // empty matches all
	Limit     int32
	Offset    int32
}

const transferColumns = `id, request_id, hash, depositor, recipient, token, amount_minor::text, amount, decimals, status, error_kind, created_at, updated_at`

// CreateTransfer inserts a transfer in the submitted state. Inserting the
// same hash twice returns the existing row.
func (s *Store) CreateTransfer(ctx context.Context, params CreateTransferParams) (*Transfer, error) {
	start := time.Now()

	query := `
		INSERT INTO transfers (id, request_id, hash, depositor, recipient, token, amount_minor, amount, decimals, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)
		ON CONFLICT (hash) DO UPDATE SET updated_at = transfers.updated_at
		RETURNING ` + transferColumns

	row := s.pool.QueryRow(ctx, query,
		uuid.New(),
		params.RequestID,
		params.Hash,
		params.Depositor,
		params.Recipient,
		params.Token,
		params.AmountMinor.String(),
		params.Amount,
		int16(params.Decimals),
		StatusSubmitted,
	)
	t, err := scanTransfer(row)
	s.record("create_transfer", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}
	return t, nil
}

// UpdateTransferStatus moves a transfer to status. errorKind is empty on
// success.
func (s *Store) UpdateTransferStatus(ctx context.Context, hash, status, errorKind string) (*Transfer, error) {
	start := time.Now()

	query := `
		UPDATE transfers
		SET status = $2, error_kind = $3, updated_at = NOW()
		WHERE hash = $1
		RETURNING ` + transferColumns

	t, err := scanTransfer(s.pool.QueryRow(ctx, query, hash, status, errorKind))
	s.record("update_transfer_status", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to update transfer %s: %w", hash, err)
	}
	return t, nil
}

// GetTransferByHash retrieves a transfer by transaction hash. The error wraps
// ErrNotFound when no row matches.
func (s *Store) GetTransferByHash(ctx context.Context, hash string) (*Transfer, error) {
	start := time.Now()

	query := `SELECT ` + transferColumns + ` FROM transfers WHERE hash = $1`

	t, err := scanTransfer(s.pool.QueryRow(ctx, query, hash))
	s.record("get_transfer", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer %s: %w", hash, err)
	}
	return t, nil
}

// ListTransfers returns transfers, most recent first.
func (s *Store) ListTransfers(ctx context.Context, params ListTransfersParams) ([]*Transfer, error) {
	start := time.Now()

	var (
		where []string
		args  []any
	)
	if params.Depositor != "" {
		args = append(args, params.Depositor)
		where = append(where, fmt.Sprintf("depositor = $%d", len(args)))
	}
	if params.Status != "" {
		args = append(args, params.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, params.Limit, params.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.record("list_transfers", start, err)
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			s.record("list_transfers", start, err)
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	err = rows.Err()
	s.record("list_transfers", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}

// IsNotFound reports whether err means the transfer does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func scanTransfer(row pgx.Row) (*Transfer, error) {
	var (
		t        Transfer
		minor    string
		decimals int16
	)
	err := row.Scan(
		&t.ID,
		&t.RequestID,
		&t.Hash,
		&t.Depositor,
		&t.Recipient,
		&t.Token,
		&minor,
		&t.Amount,
		&decimals,
		&t.Status,
		&t.ErrorKind,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	amount, ok := new(big.Int).SetString(minor, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount_minor %q", minor)
	}
	t.AmountMinor = amount
	t.Decimals = uint8(decimals)
	return &t, nil
}

func (s *Store) record(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	s.metrics.RecordDBQuery(operation, "transfers", time.Since(start).Seconds(), err)
}
