// Package helpers provides small byte, hex and amount utilities shared by the adapters.
package helpers

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
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

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1".
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)
	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%0*d", int(decimals), frac), "0")
	return whole.String() + "." + fracStr
}
