// Package ident allocates collision-free numeric identifiers and opaque
// bearer tokens.
package ident

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxID is the upper bound (inclusive) of the identifier draw range.
	MaxID = 999_999_999

	// TokenLength is the length of generated bearer tokens.
	TokenLength = 128

	// DefaultRetryBudget bounds how many draws an allocation may take
	// before giving up.
	DefaultRetryBudget = 64
)

var ErrAllocationExhausted = errors.New("identifier allocation exhausted")

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ExistsFunc reports whether a candidate identifier is already taken.
type ExistsFunc func(id int64) (bool, error)

// Allocator draws candidate identifiers from a random source and retries on
// collision, up to a fixed budget. The zero source means crypto/rand.
type Allocator struct {
	source  io.Reader
	retries int
}

func New(retries int) *Allocator {
	return NewWithSource(rand.Reader, retries)
}

// NewWithSource is used by tests to force specific draws.
func NewWithSource(source io.Reader, retries int) *Allocator {
	if retries <= 0 {
		retries = DefaultRetryBudget
	}
	return &Allocator{source: source, retries: retries}
}

// randomID draws uniformly from [0, MaxID] by rejection sampling.
func (a *Allocator) randomID() (int64, error) {
	var buf [8]byte
	// Largest multiple of MaxID+1 that fits in uint64, to keep the
	// modulo unbiased.
	const bound = uint64(MaxID) + 1
	limit := (^uint64(0) / bound) * bound
	for {
		if _, err := io.ReadFull(a.source, buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v >= limit {
			continue
		}
		return int64(v % bound), nil
	}
}

// AllocateID returns an identifier in [0, MaxID] that exists reports as
// free. The retry loop is iterative and bounded: when the budget runs out
// it fails with ErrAllocationExhausted rather than spinning forever.
func (a *Allocator) AllocateID(exists ExistsFunc) (int64, error) {
	for attempt := 0; attempt < a.retries; attempt++ {
		id, err := a.randomID()
		if err != nil {
			return 0, err
		}
		taken, err := exists(id)
		if err != nil {
			return 0, err
		}
		if !taken {
			return id, nil
		}
	}
	return 0, ErrAllocationExhausted
}

// AllocateChatID returns a chat identifier: negative for group chats,
// positive for direct chats. Zero is never issued for chats, so a zero draw
// counts as a collision and is redrawn.
func (a *Allocator) AllocateChatID(group bool, exists ExistsFunc) (int64, error) {
	for attempt := 0; attempt < a.retries; attempt++ {
		id, err := a.randomID()
		if err != nil {
			return 0, err
		}
		if id == 0 {
			continue
		}
		if group {
			id = -id
		}
		taken, err := exists(id)
		if err != nil {
			return 0, err
		}
		if !taken {
			return id, nil
		}
	}
	return 0, ErrAllocationExhausted
}

// GenerateToken produces a TokenLength-character alphanumeric bearer token
// from the allocator's random source. Sampling is rejection-based so every
// alphabet character is equally likely.
func (a *Allocator) GenerateToken() (string, error) {
	token := make([]byte, 0, TokenLength)
	buf := make([]byte, TokenLength)
	// Largest multiple of len(tokenAlphabet) below 256.
	const limit = byte(256 - 256%len(tokenAlphabet))
	for len(token) < TokenLength {
		if _, err := io.ReadFull(a.source, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			token = append(token, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(token) == TokenLength {
				break
			}
		}
	}
	return string(token), nil
}
