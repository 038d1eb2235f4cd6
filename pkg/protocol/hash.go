package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// ErrHashMismatch is returned when content does not match its declared hash.
var ErrHashMismatch = errors.New("content hash mismatch")

// HashBytes returns the hex BLAKE3-256 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader returns the hex BLAKE3-256 digest of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidHash reports whether s looks like a content hash.
func ValidHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// VerifyingWriter hashes everything written through it so the caller can
// compare the result with an expected hash once the copy is done.
type VerifyingWriter struct {
	w    io.Writer
	h    *blake3.Hasher
	want string
}

func NewVerifyingWriter(w io.Writer, want string) *VerifyingWriter {
	return &VerifyingWriter{w: w, h: blake3.New(), want: want}
}

func (v *VerifyingWriter) Write(p []byte) (int, error) {
	n, err := v.w.Write(p)
	_, _ = v.h.Write(p[:n])
	return n, err
}

// Verify returns ErrHashMismatch if the bytes written do not hash to the
// expected value.
func (v *VerifyingWriter) Verify() error {
	got := hex.EncodeToString(v.h.Sum(nil))
	if got != v.want {
		return fmt.Errorf("expected %s, got %s: %w", v.want, got, ErrHashMismatch)
	}
	return nil
}
