package checksum

import (
	"crypto/sha1" // #nosec G505 -- test fixture for a protocol checksum algorithm
	"encoding/base64"
	"io"
	"strings"
	"testing"
)

func sha1Header(t *testing.T, payload string) string {
	t.Helper()
	sum := sha1.Sum([]byte(payload)) // #nosec G401
	return "sha1 " + base64.StdEncoding.EncodeToString(sum[:])
}

func TestParseHeader(t *testing.T) {
	algo, digest, err := ParseHeader(sha1Header(t, "hello world"))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if algo != "sha1" {
		t.Errorf("algorithm = %q, want sha1", algo)
	}
	if len(digest) != sha1.Size {
		t.Errorf("digest length = %d, want %d", len(digest), sha1.Size)
	}
}

func TestParseHeader_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"missing digest", "sha1"},
		{"missing digest with space", "sha1 "},
		{"unsupported algorithm", "sha512 aGVsbG8="},
		{"bad base64", "sha1 !!!not-base64!!!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseHeader(tc.value); err == nil {
				t.Errorf("ParseHeader(%q) succeeded, want error", tc.value)
			}
		})
	}
}

func TestParseHeader_UppercaseAlgorithm(t *testing.T) {
	algo, _, err := ParseHeader("SHA1 " + base64.StdEncoding.EncodeToString([]byte("12345678901234567890")))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if algo != "sha1" {
		t.Errorf("algorithm = %q, want sha1", algo)
	}
}

func TestVerifier_Match(t *testing.T) {
	payload := "some chunk content"
	_, digest, err := ParseHeader(sha1Header(t, payload))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}

	v, err := NewVerifier("sha1", digest)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	n, err := io.Copy(io.Discard, v.Reader(strings.NewReader(payload)))
	if err != nil {
		t.Fatalf("reading through verifier: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("read %d bytes, want %d", n, len(payload))
	}
	if v.BytesRead() != int64(len(payload)) {
		t.Errorf("BytesRead() = %d, want %d", v.BytesRead(), len(payload))
	}
	if err := v.Verify(); err != nil {
		t.Errorf("Verify() = %v, want nil", err)
	}
}

func TestVerifier_Mismatch(t *testing.T) {
	_, digest, err := ParseHeader(sha1Header(t, "declared content"))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}

	v, err := NewVerifier("sha1", digest)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := io.Copy(io.Discard, v.Reader(strings.NewReader("different content"))); err != nil {
		t.Fatalf("reading through verifier: %v", err)
	}
	if err := v.Verify(); err == nil {
		t.Error("Verify() succeeded on mismatched content")
	}
}

func TestSupported(t *testing.T) {
	for _, algo := range Algorithms {
		if !Supported(algo) {
			t.Errorf("Supported(%q) = false for advertised algorithm", algo)
		}
	}
	if Supported("sha512") {
		t.Error("Supported(sha512) = true, but it is not advertised")
	}
}

func TestCalculateSHA256(t *testing.T) {
	// echo -n "hello" | sha256sum
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	got, err := CalculateSHA256(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("CalculateSHA256: %v", err)
	}
	if got != want {
		t.Errorf("CalculateSHA256 = %s, want %s", got, want)
	}
}
