// Package checksum implements the digest verification used by the tus
// checksum extension. A chunk's digest is declared up front in the
// Upload-Checksum header ("<algorithm> <base64 digest>") and must be compared
// against the bytes actually received, so the package exposes an incremental
// Verifier that hashes a stream as it is read. Keeping this logic in a
// dedicated package applies consistent hashing behaviour across the protocol
// engine and the HTTP layer without duplicating crypto wiring.
package checksum

import (
	"bytes"
	"crypto/md5"  // #nosec G501 -- md5 is a protocol-mandated checksum algorithm, not used for security
	"crypto/sha1" // #nosec G505 -- sha1 is a protocol-mandated checksum algorithm, not used for security
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"
)

// Algorithms lists the supported digest algorithms in the order they are
// advertised by the Tus-Checksum-Algorithm header.
var Algorithms = []string{"sha1", "sha256", "md5", "crc32"}

// Supported reports whether the named algorithm can be verified.
func Supported(algorithm string) bool {
	for _, a := range Algorithms {
		if a == algorithm {
			return true
		}
	}
	return false
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha1":
		return sha1.New(), nil // #nosec G401
	case "sha256":
		return sha256.New(), nil
	case "md5":
		return md5.New(), nil // #nosec G401
	case "crc32":
		return crc32.NewIEEE(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %s", algorithm)
	}
}

// ParseHeader parses an Upload-Checksum header value of the form
// "<algorithm> <base64 digest>" and returns the algorithm name and the raw
// digest bytes.
func ParseHeader(value string) (string, []byte, error) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", nil, fmt.Errorf("malformed Upload-Checksum header: %q", value)
	}

	algorithm := strings.ToLower(parts[0])
	if !Supported(algorithm) {
		return "", nil, fmt.Errorf("unsupported checksum algorithm: %s", algorithm)
	}

	digest, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 digest in Upload-Checksum header: %w", err)
	}

	return algorithm, digest, nil
}

// Verifier hashes a byte stream incrementally and compares the result against
// a digest declared before the stream was read.
type Verifier struct {
	algorithm string
	want      []byte
	hash      hash.Hash
	read      int64
}

// NewVerifier creates a Verifier for the given algorithm and expected digest.
func NewVerifier(algorithm string, want []byte) (*Verifier, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	return &Verifier{algorithm: algorithm, want: want, hash: h}, nil
}

// Algorithm returns the digest algorithm this verifier computes.
func (v *Verifier) Algorithm() string { return v.algorithm }

// BytesRead returns how many bytes have passed through the verifier so far.
func (v *Verifier) BytesRead() int64 { return v.read }

// Reader wraps src so that every byte read from it is also fed to the digest.
func (v *Verifier) Reader(src io.Reader) io.Reader {
	return &teeReader{src: src, v: v}
}

// Verify compares the computed digest against the declared one. It must only
// be called after the full chunk has been read.
func (v *Verifier) Verify() error {
	got := v.hash.Sum(nil)
	if !bytes.Equal(got, v.want) {
		return fmt.Errorf("%s digest mismatch: declared %s, computed %s",
			v.algorithm,
			base64.StdEncoding.EncodeToString(v.want),
			base64.StdEncoding.EncodeToString(got))
	}
	return nil
}

type teeReader struct {
	src io.Reader
	v   *Verifier
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		// hash.Hash.Write never returns an error
		t.v.hash.Write(p[:n])
		t.v.read += int64(n)
	}
	return n, err
}

// CalculateSHA256 calculates the hex-encoded SHA256 checksum of data from a
// reader. It is used by the archive layer to record content checksums for
// completed uploads.
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}
