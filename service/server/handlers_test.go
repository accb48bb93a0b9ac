package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/pullpay/service/db"
	"github.com/brojonat/pullpay/service/ledger"
	"github.com/brojonat/pullpay/service/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	depositorHex = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	recipientHex = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
	operatorHex  = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	tokenHex     = "0x55d398326f99059ff775485246999027b3197955"
)

var (
	testToken = common.HexToAddress(tokenHex)
	testHash  = common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000def")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func tokens(n int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

// stubLedger satisfies both transfer.Ledger and LedgerReader.
type stubLedger struct {
	mu        sync.Mutex
	decimals  uint8
	allowance *big.Int
	balance   *big.Int
	readErr   error
	awaitErr  error
	submitted []*big.Int
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		decimals:  18,
		allowance: tokens(100, 18),
		balance:   tokens(1000, 18),
	}
}

func (l *stubLedger) SignerAddress() common.Address { return common.HexToAddress(operatorHex) }

func (l *stubLedger) GetPrecision(ctx context.Context, token common.Address) (uint8, error) {
	return l.decimals, l.readErr
}

func (l *stubLedger) GetAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return l.allowance, l.readErr
}

func (l *stubLedger) GetBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return l.balance, l.readErr
}

func (l *stubLedger) SubmitTransferFrom(ctx context.Context, token, owner, recipient common.Address, amount *big.Int) (*ledger.PendingTransaction, error) {
	l.mu.Lock()
	l.submitted = append(l.submitted, amount)
	l.mu.Unlock()
	return &ledger.PendingTransaction{Hash: testHash, Token: token, Owner: owner, Recipient: recipient, Amount: amount}, nil
}

func (l *stubLedger) AwaitConfirmation(ctx context.Context, pending *ledger.PendingTransaction) (common.Hash, error) {
	return pending.Hash, l.awaitErr
}

// failingExecutor returns a fixed error for every request.
type failingExecutor struct {
	err error
}

func (e *failingExecutor) Execute(ctx context.Context, req transfer.Request) (*transfer.Result, error) {
	return nil, e.err
}

func (e *failingExecutor) Token() common.Address { return testToken }

// memoryStore is an in-memory TransferStore.
type memoryStore struct {
	transfers  []*db.Transfer
	err        error
	lastParams db.ListTransfersParams
}

func (s *memoryStore) GetTransferByHash(ctx context.Context, hash string) (*db.Transfer, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, t := range s.transfers {
		if t.Hash == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("failed to get transfer %s: %w", hash, db.ErrNotFound)
}

func (s *memoryStore) ListTransfers(ctx context.Context, params db.ListTransfersParams) ([]*db.Transfer, error) {
	s.lastParams = params
	if s.err != nil {
		return nil, s.err
	}
	return s.transfers, nil
}

func newTestServer(t *testing.T, l *stubLedger) (*Server, *stubLedger) {
	t.Helper()
	if l == nil {
		l = newStubLedger()
	}
	exec := transfer.NewExecutor(l, testToken, testLogger())
	return New(":0", exec, l, nil, testLogger()), l
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), "body: %s", w.Body.String())
	}
	return w, decoded
}

func transferBody(amount string) string {
	return fmt.Sprintf(`{"fromAddress":%q,"recipientAddress":%q,"amount":%s}`, depositorHex, recipientHex, amount)
}

func TestTransfer_Success(t *testing.T) {
	srv, l := newTestServer(t, nil)
	h := srv.Handler()

	for _, path := range []string{"/api/transfer", "/api/v1/transfers"} {
		t.Run(path, func(t *testing.T) {
			w, body := doRequest(t, h, http.MethodPost, path, transferBody("50"))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, testHash.Hex(), body["hash"])
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}

	require.Len(t, l.submitted, 2)
	assert.Equal(t, 0, tokens(50, 18).Cmp(l.submitted[0]))
}

func TestTransfer_AmountAsStringOrNumber(t *testing.T) {
	tests := []struct {
		name   string
		amount string
	}{
		{name: "string", amount: `"0.42"`},
		{name: "number", amount: `0.42`},
		{name: "exponent number", amount: `42e-2`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newStubLedger()
			l.decimals = 6
			l.allowance = big.NewInt(1_000_000)
			srv, _ := newTestServer(t, l)

			w, _ := doRequest(t, srv.Handler(), http.MethodPost, "/api/transfer", transferBody(tt.amount))

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			require.Len(t, l.submitted, 1)
			assert.Equal(t, int64(420000), l.submitted[0].Int64())
		})
	}
}

func TestTransfer_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{
			name:     "malformed JSON",
			body:     `{"fromAddress":`,
			contains: "invalid request body",
		},
		{
			name:     "body too large",
			body:     `{"fromAddress":"` + strings.Repeat("A", maxRequestBodySize) + `"}`,
			contains: "request body too large",
		},
		{
			name:     "missing fromAddress",
			body:     fmt.Sprintf(`{"recipientAddress":%q,"amount":"1"}`, recipientHex),
			contains: "fromAddress is required",
		},
		{
			name:     "missing recipientAddress",
			body:     fmt.Sprintf(`{"fromAddress":%q,"amount":"1"}`, depositorHex),
			contains: "recipientAddress is required",
		},
		{
			name:     "missing amount",
			body:     fmt.Sprintf(`{"fromAddress":%q,"recipientAddress":%q}`, depositorHex, recipientHex),
			contains: "amount is required",
		},
		{
			name:     "null amount",
			body:     transferBody("null"),
			contains: "amount is required",
		},
		{
			name:     "boolean amount",
			body:     transferBody("true"),
			contains: "must be a number or a string",
		},
		{
			name:     "negative amount",
			body:     transferBody(`"-5"`),
			contains: "amount",
		},
		{
			name:     "zero amount",
			body:     transferBody("0"),
			contains: "amount",
		},
		{
			name:     "huge negative exponent",
			body:     transferBody(`"1e-2147483647"`),
			contains: "amount must be a positive decimal number",
		},
		{
			name:     "large negative exponent number",
			body:     transferBody("1e-200000000"),
			contains: "amount must be a positive decimal number",
		},
		{
			name:     "malformed address",
			body:     fmt.Sprintf(`{"fromAddress":"0x1234","recipientAddress":%q,"amount":"1"}`, recipientHex),
			contains: "fromAddress",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, l := newTestServer(t, nil)

			w, body := doRequest(t, srv.Handler(), http.MethodPost, "/api/transfer", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, body["error"], tt.contains)
			assert.Empty(t, l.submitted)
		})
	}
}

func TestTransfer_AllowanceInsufficient(t *testing.T) {
	l := newStubLedger()
	l.allowance = tokens(10, 18)
	srv, _ := newTestServer(t, l)

	w, body := doRequest(t, srv.Handler(), http.MethodPost, "/api/transfer", transferBody(`"50"`))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "allowance insufficient: have 10, need 50", body["error"])
	assert.Empty(t, l.submitted)
}

func TestTransfer_ConfirmationTimeoutIncludesHash(t *testing.T) {
	l := newStubLedger()
	l.awaitErr = &ledger.Error{Kind: ledger.ErrConfirmationTimeout, Op: "await_confirmation", TxHash: testHash}
	srv, _ := newTestServer(t, l)

	w, body := doRequest(t, srv.Handler(), http.MethodPost, "/api/transfer", transferBody(`"1"`))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, body["error"], testHash.Hex())
}

func TestTransfer_DownstreamErrorsAreSanitized(t *testing.T) {
	raw := errors.New("dial tcp 10.0.0.12:8545: connection refused")
	tests := []struct {
		name string
		err  error
	}{
		{name: "rpc", err: &ledger.Error{Kind: ledger.ErrRPC, Op: "eth_call", Err: raw}},
		{name: "revert", err: &ledger.Error{Kind: ledger.ErrContractRevert, Op: "estimate_gas", Err: raw}},
		{name: "gas", err: &ledger.Error{Kind: ledger.ErrInsufficientGas, Op: "send", Err: raw}},
		{name: "unclassified", err: raw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(":0", &failingExecutor{err: tt.err}, newStubLedger(), nil, testLogger())

			w, body := doRequest(t, srv.Handler(), http.MethodPost, "/api/transfer", transferBody(`"1"`))

			assert.Equal(t, http.StatusInternalServerError, w.Code)
			assert.NotEmpty(t, body["error"])
			assert.NotContains(t, w.Body.String(), "10.0.0.12")
		})
	}
}

func TestTransfer_RequestIDPropagation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/transfer", strings.NewReader(transferBody("1")))
	req.Header.Set("X-Request-ID", "order-1234")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "order-1234", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodPost, "/api/transfer", strings.NewReader(transferBody("1")))
	req.Header.Set("X-Request-ID", "bad id\nwith newline")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	_, err := uuid.Parse(w.Header().Get("X-Request-ID"))
	assert.NoError(t, err, "malformed request ids are replaced")
}

func TestAllowance(t *testing.T) {
	l := newStubLedger()
	l.allowance = tokens(25, 18)
	l.balance = big.NewInt(1_500_000_000_000_000_000)
	srv, _ := newTestServer(t, l)

	w, body := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/allowance?owner="+depositorHex, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, common.HexToAddress(depositorHex).Hex(), body["owner"])
	assert.Equal(t, common.HexToAddress(operatorHex).Hex(), body["spender"])
	assert.Equal(t, testToken.Hex(), body["token"])
	assert.Equal(t, float64(18), body["decimals"])
	assert.Equal(t, "25", body["allowance"])
	assert.Equal(t, "1.5", body["balance"])
}

func TestAllowance_BadOwner(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	w, body := doRequest(t, h, http.MethodGet, "/api/v1/allowance", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "owner query parameter is required")

	w, body = doRequest(t, h, http.MethodGet, "/api/v1/allowance?owner=0xnothex", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "owner")
}

func TestAllowance_NodeFailure(t *testing.T) {
	l := newStubLedger()
	l.readErr = &ledger.Error{Kind: ledger.ErrRPC, Op: "eth_call", Err: errors.New("dial tcp 10.0.0.12:8545")}
	srv, _ := newTestServer(t, l)

	w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/allowance?owner="+depositorHex, "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.12")
}

func TestInfo(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w, body := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/info", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testToken.Hex(), body["token"])
	assert.Equal(t, common.HexToAddress(operatorHex).Hex(), body["operator"])
	assert.Len(t, body, 2)
}

func TestJournalRoutes_DisabledWithoutStore(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/v1/transfers/"+testHash.Hex(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTransfer(t *testing.T) {
	now := time.Now().UTC()
	store := &memoryStore{transfers: []*db.Transfer{{
		ID:          uuid.New(),
		Hash:        testHash.Hex(),
		Depositor:   common.HexToAddress(depositorHex).Hex(),
		Recipient:   common.HexToAddress(recipientHex).Hex(),
		Token:       testToken.Hex(),
		AmountMinor: tokens(50, 18),
		Amount:      "50",
		Decimals:    18,
		Status:      db.StatusConfirmed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}}
	srv, _ := newTestServer(t, nil)
	h := srv.WithStore(store).Handler()

	// Lookup is case-insensitive on the hash
	w, body := doRequest(t, h, http.MethodGet, "/api/v1/transfers/0x"+strings.ToUpper(testHash.Hex()[2:]), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, testHash.Hex(), body["hash"])
	assert.Equal(t, "50000000000000000000", body["amount_minor"])
	assert.Equal(t, "confirmed", body["status"])

	w, _ = doRequest(t, h, http.MethodGet, "/api/v1/transfers/0x"+strings.Repeat("1", 64), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doRequest(t, h, http.MethodGet, "/api/v1/transfers/0x1234", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	store.err = errors.New("connection reset")
	w, body = doRequest(t, h, http.MethodGet, "/api/v1/transfers/"+testHash.Hex(), "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", body["error"])
}

func TestListTransfers(t *testing.T) {
	store := &memoryStore{transfers: []*db.Transfer{
		{ID: uuid.New(), Hash: testHash.Hex(), Status: db.StatusSubmitted, AmountMinor: big.NewInt(1)},
	}}
	srv, _ := newTestServer(t, nil)
	h := srv.WithStore(store).Handler()

	w, body := doRequest(t, h, http.MethodGet, "/api/v1/transfers?depositor="+depositorHex+"&status=submitted&limit=10&offset=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, common.HexToAddress(depositorHex).Hex(), store.lastParams.Depositor)
	assert.Equal(t, db.StatusSubmitted, store.lastParams.Status)
	assert.Equal(t, int32(10), store.lastParams.Limit)
	assert.Equal(t, int32(5), store.lastParams.Offset)

	w, _ = doRequest(t, h, http.MethodGet, "/api/v1/transfers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(defaultListLimit), store.lastParams.Limit)
}

func TestListTransfers_InvalidParams(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.WithStore(&memoryStore{}).Handler()

	tests := []struct {
		query    string
		contains string
	}{
		{query: "limit=abc", contains: "invalid limit"},
		{query: "limit=0", contains: "at least 1"},
		{query: "limit=5000", contains: "cannot exceed"},
		{query: "offset=-1", contains: "cannot be negative"},
		{query: "offset=x", contains: "invalid offset"},
		{query: "status=pending", contains: "invalid status"},
		{query: "depositor=wallet123", contains: "depositor"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w, body := doRequest(t, h, http.MethodGet, "/api/v1/transfers?"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, body["error"], tt.contains)
		})
	}
}

func TestHealthAndCORS(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	w, _ := doRequest(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w, _ = doRequest(t, h, http.MethodOptions, "/api/transfer", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}
