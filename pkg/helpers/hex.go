// Package helpers provides common utility functions used across the escrow
// orchestration core.
package helpers

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string with 0x prefix.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// IsValidTxHash reports whether s is a well-formed 64-hex-character
// transaction hash (§3 DATA MODEL, Transaction.tx_hash). It round-trips
// through chainhash.NewHashFromStr purely for its strict 32-byte hex
// shape check; no chain-specific byte order is implied since the core
// never constructs or interprets a hash's on-wire endianness itself.
func IsValidTxHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := chainhash.NewHashFromStr(s)
	return err == nil
}
