// Package digest provides the SHA-256 digest type used to key the
// content-addressable store and verify bottle downloads.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Size is the byte length of a SHA-256 digest.
const Size = sha256.Size

// Digest is a 32-byte SHA-256 value. Its textual form is lowercase hex.
type Digest [Size]byte

// Parse converts a lowercase (or mixed-case) hex string into a Digest.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return d, fmt.Errorf("digest must be %d hex characters, got %d", Size*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	copy(d[:], raw)
	return d, nil
}

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns a truncated hex form for display.
func (d Digest) Short() string {
	return d.String()[:12]
}

// IsZero reports whether the digest is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// FromBytes computes the digest of data.
func FromBytes(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Valid reports whether s looks like a digest hex string. Used to sanity
// check names found on disk before treating them as store entries.
func Valid(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

// Verifier hashes a stream while it is being consumed and checks the result
// against an expected digest. It wraps the reader feeding the extractor so
// ingest and verification happen in a single pass.
type Verifier struct {
	r    io.Reader
	h    hash.Hash
	want Digest
}

// NewVerifier wraps r so that all bytes read through the returned Verifier
// are hashed. Call Verify after draining the stream.
func NewVerifier(r io.Reader, want Digest) *Verifier {
	return &Verifier{r: r, h: sha256.New(), want: want}
}

// Read implements io.Reader.
func (v *Verifier) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
	}
	return n, err
}

// Actual returns the digest of everything read so far.
func (v *Verifier) Actual() Digest {
	var d Digest
	copy(d[:], v.h.Sum(nil))
	return d
}

// Verify reports whether the consumed stream matched the expected digest.
func (v *Verifier) Verify() bool {
	return v.Actual() == v.want
}

// Expected returns the digest the stream is checked against.
func (v *Verifier) Expected() Digest { return v.want }
