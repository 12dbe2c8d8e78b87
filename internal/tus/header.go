// header.go holds the wire codecs for the tus headers whose formats are fixed
// by the protocol: Upload-Metadata, Upload-Concat, and Upload-Expires. The
// HTTP adapter calls these so header handling stays bit-exact in one place.
package tus

import (
	"encoding/base64"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Version is the tus protocol version this server speaks, echoed in the
// Tus-Resumable header of every response.
const Version = "1.0.0"

// ContentType is the media type required on chunk-carrying requests.
const ContentType = "application/offset+octet-stream"

// DeferLengthFlag is the only valid value of the Upload-Defer-Length header.
const DeferLengthFlag = "1"

var reUploadID = regexp.MustCompile(`([^/]+)/?$`)

// ExtractID pulls the upload ID from the last segment of a resource path or
// URL, as used in Upload-Concat part references.
func ExtractID(path string) (string, error) {
	m := reUploadID.FindStringSubmatch(path)
	if len(m) != 2 {
		return "", ErrNotFound
	}
	return m[1], nil
}

// ParseMetadata parses an Upload-Metadata header: comma-separated pairs of
// "key base64value", where the value may be omitted entirely. Malformed
// elements are skipped rather than rejected, matching common client behavior.
func ParseMetadata(header string) map[string]string {
	meta := make(map[string]string)

	for _, element := range strings.Split(header, ",") {
		parts := strings.Split(strings.TrimSpace(element), " ")
		if len(parts) > 2 || parts[0] == "" {
			continue
		}

		value := ""
		if len(parts) == 2 {
			dec, err := base64.StdEncoding.DecodeString(parts[1])
			if err != nil {
				continue
			}
			value = string(dec)
		}

		meta[parts[0]] = value
	}

	return meta
}

// SerializeMetadata renders metadata in Upload-Metadata form for HEAD
// responses. Keys are sorted so the header is deterministic.
func SerializeMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(meta[k])))
	}
	return strings.Join(pairs, ",")
}

// Concat is the parsed form of an Upload-Concat header.
type Concat struct {
	IsPartial bool
	IsFinal   bool
	// PartialIDs holds the upload IDs extracted from a final upload's part
	// references, in declaration order.
	PartialIDs []string
}

// ParseConcat parses an Upload-Concat header, either "partial" or
// "final;<ref> <ref> ...".
func ParseConcat(header string) (Concat, error) {
	var c Concat
	if header == "" {
		return c, nil
	}

	if header == "partial" {
		c.IsPartial = true
		return c, nil
	}

	const prefix = "final;"
	if !strings.HasPrefix(header, prefix) || len(header) <= len(prefix) {
		return c, ErrInvalidConcat
	}

	for _, ref := range strings.Split(header[len(prefix):], " ") {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		id, err := ExtractID(ref)
		if err != nil {
			return Concat{}, ErrInvalidConcat
		}
		c.PartialIDs = append(c.PartialIDs, id)
	}

	if len(c.PartialIDs) == 0 {
		return Concat{}, ErrInvalidConcat
	}

	c.IsFinal = true
	return c, nil
}

// SerializeConcat renders the Upload-Concat header for HEAD responses. The
// part references are emitted relative to basePath.
func SerializeConcat(s *Session, basePath string) string {
	switch {
	case s.IsPartial:
		return "partial"
	case s.IsFinal:
		refs := make([]string, len(s.PartialIDs))
		for i, id := range s.PartialIDs {
			refs[i] = strings.TrimSuffix(basePath, "/") + "/" + id
		}
		return "final;" + strings.Join(refs, " ")
	default:
		return ""
	}
}

// FormatExpires renders a deadline in the RFC 7231 HTTP-date form the
// Upload-Expires header requires. The zone is always "GMT"; RFC1123 would
// render UTC times with a "UTC" suffix, which HTTP-dates forbid.
func FormatExpires(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
