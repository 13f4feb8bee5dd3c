package util

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

var ErrInvalidCodeLength = errors.New("code length must be positive")

var ten = big.NewInt(10)

// NumericCode returns length decimal digits, each drawn independently and uniformly from crypto/rand.
func NumericCode(length int) (string, error) {
	return NumericCodeFrom(rand.Reader, length)
}

// NumericCodeFrom is NumericCode over an explicit entropy source.
func NumericCodeFrom(r io.Reader, length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidCodeLength
	}

	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(r, ten)
		if err != nil {
			return "", fmt.Errorf("failed to read random digit: %w", err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}
