package ledger

import (
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the operator's custodial key. It is constructed once at
// startup and injected; its textual forms only ever show the address.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded secp256k1 private key (with or without 0x).
// The returned error never echoes the input.
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimSpace(hexKey)
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")
	if hexKey == "" {
		return nil, errors.New("operator private key is empty")
	}

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.New("operator private key is not a valid 32-byte hex secp256k1 key")
	}

	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the operator (spender) address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign signs tx for the given chain.
func (s *Signer) Sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

func (s *Signer) String() string {
	return s.address.Hex()
}

func (s *Signer) GoString() string {
	return "ledger.Signer{" + s.address.Hex() + "}"
}

// LogValue implements slog.LogValuer.
func (s *Signer) LogValue() slog.Value {
	return slog.StringValue(s.address.Hex())
}
