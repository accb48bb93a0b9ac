package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brojonat/pullpay/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"

// runApp runs the CLI against serverURL and returns what it wrote to stdout.
func runApp(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard

	err := app.Run(append([]string{"pullpay", "--server-url", serverURL}, args...))
	return out.String(), err
}

func TestHealthCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "server", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server is healthy")
}

func TestHealthCommand_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := runApp(t, server.URL, "server", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "http://unused", "server", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: dev")
}

func TestTransferCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfers", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "50", body["amount"])

		w.Header().Set("X-Request-ID", r.Header.Get("X-Request-ID"))
		json.NewEncoder(w).Encode(map[string]string{"hash": testHash})
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "--json", "transfer", "--request-id", "order-7",
		"0x70997970c51812dc3a010c7d01b50e0d17dc79c8", "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc", "50")
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, testHash, result["hash"])
	assert.Equal(t, "order-7", result["request_id"])
}

func TestTransferCommand_RequiresArguments(t *testing.T) {
	_, err := runApp(t, "http://unused", "transfer", "0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires exactly three arguments")
}

func TestTransferCommand_ServerRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "balance insufficient: have 1, need 50"})
	}))
	defer server.Close()

	_, err := runApp(t, server.URL, "transfer", "0xa", "0xb", "50")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "have 1, need 50")
}

func TestAllowanceCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(client.Allowance{
			Owner:     "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			Decimals:  18,
			Allowance: "25",
			Balance:   "1.5",
		})
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "allowance", "0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
	require.NoError(t, err)
	assert.Contains(t, out, "Allowance: 25")
	assert.Contains(t, out, "Balance:   1.5")
}

func TestListTransfersCommand_JQFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfers", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"transfers": []client.Transfer{
				{Hash: "0x01", Status: "confirmed", Amount: "50"},
				{Hash: "0x02", Status: "timeout", Amount: "5"},
				{Hash: "0x03", Status: "confirmed", Amount: "0.5"},
			},
		})
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "--json", "transfers", "list", "--limit", "10",
		"--jq", `.status == "confirmed"`,
		"--jq", `(.amount | tonumber) >= 1`,
	)
	require.NoError(t, err)

	var transfers []client.Transfer
	require.NoError(t, json.Unmarshal([]byte(out), &transfers))
	require.Len(t, transfers, 1)
	assert.Equal(t, "0x01", transfers[0].Hash)
}

func TestListTransfersCommand_InvalidJQ(t *testing.T) {
	_, err := runApp(t, "http://unused", "transfers", "list", "--jq", ".status ==")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestGetTransferCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfers/"+testHash, r.URL.Path)
		json.NewEncoder(w).Encode(client.Transfer{Hash: testHash, Status: "timeout", ErrorKind: "confirmation_timeout"})
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "transfers", "get", testHash)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:     timeout")
	assert.Contains(t, out, "Error Kind: confirmation_timeout")
}

func TestReconcileCommand_RejectsBadHash(t *testing.T) {
	_, err := runApp(t, "http://unused", "reconcile", "0x1234")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transaction hash")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0.0))
	assert.True(t, isTruthy(""))
}
