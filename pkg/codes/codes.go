// Package codes generates boarding codes: short, fixed-length, digits-only PINs.
package codes

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
)

// DefaultLength is the number of digits in a boarding code
const DefaultLength = 4

// Generator produces fixed-length numeric codes
type Generator interface {
	Generate() (string, error)
}

// Random draws each digit from crypto/rand
type Random struct {
	Length int
}

// NewRandom returns a generator for codes of the given length
func NewRandom(length int) *Random {
	if length <= 0 {
		length = DefaultLength
	}
	return &Random{Length: length}
}

func (r *Random) Generate() (string, error) {
	buf := make([]byte, r.Length)
	ten := big.NewInt(10)
	for i := range buf {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate boarding code: %w", err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}

// Sequence hands out predetermined codes, then falls back to zero-padded counters.
// Used by tests that need deterministic codes.
type Sequence struct {
	mu    sync.Mutex
	codes []string
	n     int
}

func NewSequence(codes ...string) *Sequence {
	return &Sequence{codes: codes}
}

func (s *Sequence) Generate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n < len(s.codes) {
		c := s.codes[s.n]
		s.n++
		return c, nil
	}
	s.n++
	return fmt.Sprintf("%0*d", DefaultLength, s.n%10000), nil
}

// Valid reports whether code is exactly length decimal digits
func Valid(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
