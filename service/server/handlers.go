package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/pullpay/service/db"
	"github.com/brojonat/pullpay/service/ledger"
	"github.com/brojonat/pullpay/service/transfer"
	"github.com/brojonat/pullpay/service/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	maxRequestBodySize = 64 << 10 // 64KB - a transfer request is three short fields
	maxRequestIDLength = 128
	defaultListLimit   = 100
	maxListLimit       = 1000
)

var (
	txHashRegex    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	requestIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

	validStatuses = map[string]bool{
		db.StatusSubmitted: true,
		db.StatusConfirmed: true,
		db.StatusReverted:  true,
		db.StatusTimeout:   true,
		db.StatusFailed:    true,
	}
)

// transferRequest is the body of POST /api/transfer. Amount may be sent as a
// JSON number or a string; either way its literal text is kept so no float
// rounding happens.
type transferRequest struct {
	FromAddress      string          `json:"fromAddress"`
	RecipientAddress string          `json:"recipientAddress"`
	Amount           json.RawMessage `json:"amount"`
}

// handleTransfer returns a handler that runs a delegated transfer and waits
// for confirmation.
// POST /api/transfer
// POST /api/v1/transfers
func handleTransfer(executor Executor, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFrom(r)
		w.Header().Set("X-Request-ID", requestID)
		logger := logger.With("request_id", requestID)

		// Limit request body size to prevent memory exhaustion
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode transfer request", "error", err)
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		amount, err := amountText(req.Amount)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := executor.Execute(r.Context(), transfer.Request{
			ID:               requestID,
			DepositorAddress: req.FromAddress,
			RecipientAddress: req.RecipientAddress,
			Amount:           amount,
		})
		if err != nil {
			writeError(w, transfer.PublicMessage(err), statusFor(err))
			return
		}

		writeJSON(w, map[string]string{
			"hash": res.Hash.Hex(),
		}, http.StatusOK)
	})
}

// handleAllowance returns a handler that reports how much the operator may
// still pull from owner, alongside the owner's balance. Advisory only: the
// transfer pipeline re-reads both before submitting.
// GET /api/v1/allowance?owner=0x...
func handleAllowance(reader LedgerReader, token common.Address, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerParam := strings.TrimSpace(r.URL.Query().Get("owner"))
		if ownerParam == "" {
			writeError(w, "owner query parameter is required", http.StatusBadRequest)
			return
		}
		owner, err := ledger.ParseAddress(ownerParam)
		if err != nil {
			logger.Debug("invalid owner address", "owner", ownerParam, "error", err)
			writeError(w, "owner: "+err.Error(), http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		spender := reader.SignerAddress()

		decimals, err := reader.GetPrecision(ctx, token)
		if err != nil {
			logger.Error("failed to resolve token precision", "error", err)
			writeError(w, transfer.PublicMessage(err), http.StatusInternalServerError)
			return
		}
		allowance, err := reader.GetAllowance(ctx, token, owner, spender)
		if err != nil {
			logger.Error("failed to read allowance", "owner", owner.Hex(), "error", err)
			writeError(w, transfer.PublicMessage(err), http.StatusInternalServerError)
			return
		}
		balance, err := reader.GetBalance(ctx, token, owner)
		if err != nil {
			logger.Error("failed to read balance", "owner", owner.Hex(), "error", err)
			writeError(w, transfer.PublicMessage(err), http.StatusInternalServerError)
			return
		}

		writeJSON(w, allowanceResponse{
			Owner:     owner.Hex(),
			Spender:   spender.Hex(),
			Token:     token.Hex(),
			Decimals:  decimals,
			Allowance: units.ToDecimal(allowance, decimals),
			Balance:   units.ToDecimal(balance, decimals),
		}, http.StatusOK)
	})
}

type allowanceResponse struct {
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Token     string `json:"token"`
	Decimals  uint8  `json:"decimals"`
	Allowance string `json:"allowance"`
	Balance   string `json:"balance"`
}

// handleInfo returns the addresses a depositor needs to approve the operator.
// GET /api/v1/info
func handleInfo(reader LedgerReader, token common.Address) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"token":    token.Hex(),
			"operator": reader.SignerAddress().Hex(),
		}, http.StatusOK)
	})
}

// handleGetTransfer returns a handler that retrieves a journaled transfer.
// GET /api/v1/transfers/{hash}
func handleGetTransfer(store TransferStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if !txHashRegex.MatchString(hash) {
			writeError(w, "hash must be a 0x-prefixed 32-byte hex string", http.StatusBadRequest)
			return
		}

		t, err := store.GetTransferByHash(r.Context(), common.HexToHash(hash).Hex())
		if err != nil {
			if db.IsNotFound(err) {
				writeError(w, "transfer not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get transfer", "hash", hash, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, transferToResponse(t), http.StatusOK)
	})
}

// handleListTransfers returns a handler that lists journaled transfers.
// GET /api/v1/transfers?depositor=0x...&status=confirmed&limit=N&offset=N
func handleListTransfers(store TransferStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		params := db.ListTransfersParams{Limit: defaultListLimit}

		if depositor := query.Get("depositor"); depositor != "" {
			addr, err := ledger.ParseAddress(depositor)
			if err != nil {
				writeError(w, "depositor: "+err.Error(), http.StatusBadRequest)
				return
			}
			params.Depositor = addr.Hex()
		}

		if status := query.Get("status"); status != "" {
			if !validStatuses[status] {
				writeError(w, "invalid status: must be one of submitted, confirmed, reverted, timeout, failed", http.StatusBadRequest)
				return
			}
			params.Status = status
		}

		if limitStr := query.Get("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if limit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if limit > maxListLimit {
				writeError(w, "limit cannot exceed 1000", http.StatusBadRequest)
				return
			}
			params.Limit = int32(limit)
		}

		if offsetStr := query.Get("offset"); offsetStr != "" {
			offset, err := strconv.ParseInt(offsetStr, 10, 32)
			if err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if offset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			params.Offset = int32(offset)
		}

		transfers, err := store.ListTransfers(r.Context(), params)
		if err != nil {
			logger.Error("failed to list transfers", "depositor", params.Depositor, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("transfers listed", "depositor", params.Depositor, "count", len(transfers))

		resp := make([]transferResponse, len(transfers))
		for i := range transfers {
			resp[i] = transferToResponse(transfers[i])
		}

		writeJSON(w, map[string]interface{}{
			"transfers": resp,
			"count":     len(resp),
			"limit":     params.Limit,
			"offset":    params.Offset,
		}, http.StatusOK)
	})
}

// transferResponse is the JSON response format for a journaled transfer.
type transferResponse struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id,omitempty"`
	Hash        string    `json:"hash"`
	Depositor   string    `json:"depositor"`
	Recipient   string    `json:"recipient"`
	Token       string    `json:"token"`
	Amount      string    `json:"amount"`
	AmountMinor string    `json:"amount_minor"`
	Decimals    uint8     `json:"decimals"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func transferToResponse(t *db.Transfer) transferResponse {
	minor := "0"
	if t.AmountMinor != nil {
		minor = t.AmountMinor.String()
	}
	return transferResponse{
		ID:          t.ID.String(),
		RequestID:   t.RequestID,
		Hash:        t.Hash,
		Depositor:   t.Depositor,
		Recipient:   t.Recipient,
		Token:       t.Token,
		Amount:      t.Amount,
		AmountMinor: minor,
		Decimals:    t.Decimals,
		Status:      t.Status,
		ErrorKind:   t.ErrorKind,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// amountText returns the literal text of a JSON number or string amount.
// A missing amount yields "" and is reported by the executor.
func amountText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errors.New("amount: must be a number or a string")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.New("amount: must be a number or a string")
	}
	return n.String(), nil
}

// statusFor maps pipeline errors to HTTP status codes. Only request-shape
// problems are the caller's fault; everything else is a 500.
func statusFor(err error) int {
	if transfer.Classify(err) == transfer.KindValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// requestIDFrom reuses a well-formed client supplied X-Request-ID or mints one.
func requestIDFrom(r *http.Request) string {
	id := r.Header.Get("X-Request-ID")
	if id != "" && len(id) <= maxRequestIDLength && requestIDRegex.MatchString(id) {
		return id
	}
	return uuid.NewString()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
