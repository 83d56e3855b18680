// File: internal/twins/minhash.go

// Package twins detects near-duplicate commits ("twins") by MinHash
// signatures of their messages banded into an LSH index.
package twins

import (
	"encoding/binary"
	"math/bits"
	"math/rand"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultNumPerm is the signature length.
	DefaultNumPerm = 128
	// DefaultPrefixLength bounds how much of a message is hashed.
	DefaultPrefixLength = 64
	// DefaultThreshold is the minimum estimated Jaccard similarity of twins.
	DefaultThreshold = 0.95

	mersennePrime = (1 << 61) - 1
	maxHash       = (1 << 32) - 1
)

var mergePattern = regexp.MustCompile(`(?i)^merge`)

// IsMerge reports whether a message looks like a templated merge message.
func IsMerge(msg string) bool {
	return mergePattern.MatchString(strings.TrimSpace(msg))
}

// Signature is a MinHash signature.
type Signature []uint64

// Hasher computes signatures with a fixed family of universal permutations.
// It is safe for concurrent use once built.
type Hasher struct {
	a, b      []uint64
	prefixLen int
}

// NewHasher builds numPerm permutations from seed. Hashers built with the same
// arguments produce identical signatures.
func NewHasher(numPerm int, seed int64, prefixLen int) *Hasher {
	if numPerm <= 0 {
		numPerm = DefaultNumPerm
	}
	if prefixLen <= 0 {
		prefixLen = DefaultPrefixLength
	}
	rng := rand.New(rand.NewSource(seed))
	h := &Hasher{a: make([]uint64, numPerm), b: make([]uint64, numPerm), prefixLen: prefixLen}
	for i := 0; i < numPerm; i++ {
		h.a[i] = uint64(rng.Int63n(mersennePrime-1)) + 1
		h.b[i] = uint64(rng.Int63n(mersennePrime))
	}
	return h
}

// NumPerm returns the signature length.
func (h *Hasher) NumPerm() int { return len(h.a) }

// Prefix returns the part of msg that is hashed, cut on a rune boundary.
func (h *Hasher) Prefix(msg string) string {
	runes := []rune(msg)
	if len(runes) > h.prefixLen {
		runes = runes[:h.prefixLen]
	}
	return string(runes)
}

// Sign returns the signature of a message prefix's whitespace tokens.
// ok is false when the prefix has no tokens.
func (h *Hasher) Sign(msg string) (Signature, bool) {
	tokens := strings.Fields(h.Prefix(msg))
	if len(tokens) == 0 {
		return nil, false
	}
	sig := make(Signature, len(h.a))
	for i := range sig {
		sig[i] = maxHash
	}
	for _, tok := range tokens {
		hv := xxhash.Sum64String(tok) & maxHash
		for i := range sig {
			if p := h.permute(i, hv); p < sig[i] {
				sig[i] = p
			}
		}
	}
	return sig, true
}

// permute computes ((a*hv + b) mod p) & maxHash without overflowing.
func (h *Hasher) permute(i int, hv uint64) uint64 {
	hi, lo := bits.Mul64(h.a[i], hv)
	r := bits.Rem64(hi, lo, mersennePrime)
	r = (r + h.b[i]) % mersennePrime
	return r & maxHash
}

// Jaccard estimates the similarity of two signatures of the same length.
func Jaccard(a, b Signature) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a))
}

func bandKey(sig Signature) string {
	buf := make([]byte, 8*len(sig))
	for i, v := range sig {
		binary.LittleEndian.PutUint64(buf[8*i:], v)
	}
	return string(buf)
}
