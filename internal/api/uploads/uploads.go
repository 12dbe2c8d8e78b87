// Package uploads implements the tus 1.0.0 protocol HTTP handlers. The
// handlers only translate between the wire format and the protocol engine:
// headers in, structured requests to the engine, headers and status codes
// out. All protocol decisions live in internal/tus.
//
// Supported extensions are advertised on OPTIONS: creation,
// creation-with-upload, creation-defer-length, checksum, concatenation,
// termination, and expiration.
package uploads

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/upload-registry/upload-registry/internal/config"
	"github.com/upload-registry/upload-registry/internal/telemetry"
	"github.com/upload-registry/upload-registry/internal/tus"
	"github.com/upload-registry/upload-registry/pkg/checksum"
)

// Extensions is the Tus-Extension header value advertising what this server
// implements.
const Extensions = "creation,creation-with-upload,creation-defer-length,checksum,concatenation,termination,expiration"

// sendError maps a protocol error onto its HTTP response. An offset conflict
// additionally carries the server's authoritative offset so clients can
// resynchronize without a HEAD round trip.
func sendError(c *gin.Context, err error) {
	var conflict *tus.ConflictError
	if errors.As(err, &conflict) {
		c.Header("Upload-Offset", strconv.FormatInt(conflict.CurrentOffset, 10))
	}
	if errors.Is(err, tus.ErrChecksumMismatch) {
		telemetry.ChecksumMismatchesTotal.Inc()
	}

	status := tus.StatusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Do not leak storage paths or driver errors to clients.
		msg = "internal server error"
	}
	c.JSON(status, gin.H{"error": msg})
}

// location builds the upload resource URL for the Location header. The
// configured base URL wins; otherwise the URL is derived from the request.
func location(c *gin.Context, cfg *config.Config, id string) string {
	mount := strings.TrimSuffix(cfg.Uploads.MountPath, "/")
	if base := strings.TrimSuffix(cfg.Server.BaseURL, "/"); base != "" {
		return base + mount + "/" + id
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + mount + "/" + id
}

// expiryHeader sets Upload-Expires when the session carries a deadline.
func expiryHeader(c *gin.Context, s *tus.Session) {
	if !s.ExpiresAt.IsZero() {
		c.Header("Upload-Expires", tus.FormatExpires(s.ExpiresAt))
	}
}

// parseChecksumHeader parses an optional Upload-Checksum header into the
// engine's digest form.
func parseChecksumHeader(c *gin.Context) (*tus.Digest, error) {
	value := c.GetHeader("Upload-Checksum")
	if value == "" {
		return nil, nil
	}
	algo, sum, err := checksum.ParseHeader(value)
	if err != nil {
		return nil, tus.NewError(err.Error(), http.StatusBadRequest)
	}
	return &tus.Digest{Algorithm: algo, Sum: sum}, nil
}

// CreateHandler handles upload creation.
// Implements: POST <mount>
// Returns 201 Created with a Location header; a creation-with-upload request
// additionally reports the resulting Upload-Offset.
func CreateHandler(engine *tus.Engine, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		concat, err := tus.ParseConcat(c.GetHeader("Upload-Concat"))
		if err != nil {
			sendError(c, err)
			return
		}

		lengthHeader := c.GetHeader("Upload-Length")
		deferHeader := c.GetHeader("Upload-Defer-Length")

		req := tus.CreateRequest{
			Metadata: tus.ParseMetadata(c.GetHeader("Upload-Metadata")),
			Concat:   concat,
		}

		switch {
		case concat.IsFinal:
			// The final upload's size is the sum of its parts; length
			// headers are ignored.

		case lengthHeader != "" && deferHeader != "":
			sendError(c, tus.ErrBothLengthHeaders)
			return

		case deferHeader != "":
			if deferHeader != tus.DeferLengthFlag {
				sendError(c, tus.ErrInvalidDeferLength)
				return
			}
			req.LengthDeferred = true

		default:
			length, err := strconv.ParseInt(lengthHeader, 10, 64)
			if err != nil || length < 0 {
				sendError(c, tus.ErrInvalidUploadLength)
				return
			}
			req.Length = length
		}

		// creation-with-upload: a first chunk may ride along on the POST.
		withUpload := c.ContentType() == tus.ContentType
		if withUpload {
			digest, err := parseChecksumHeader(c)
			if err != nil {
				sendError(c, err)
				return
			}
			req.Body = c.Request.Body
			req.BodyLength = c.Request.ContentLength
			req.Checksum = digest
		}

		s, err := engine.Create(c.Request.Context(), req)
		if err != nil {
			sendError(c, err)
			return
		}

		telemetry.UploadsCreatedTotal.Inc()
		if s.Offset > 0 {
			telemetry.UploadBytesReceivedTotal.Add(float64(s.Offset))
		}

		c.Header("Location", location(c, cfg, s.ID))
		if withUpload {
			c.Header("Upload-Offset", strconv.FormatInt(s.Offset, 10))
		}
		expiryHeader(c, s)
		c.Status(http.StatusCreated)
	}
}

// HeadHandler handles offset discovery.
// Implements: HEAD <mount>/:id
// Returns 200 with the upload's offset, length, and creation attributes.
func HeadHandler(engine *tus.Engine, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := engine.Head(c.Request.Context(), c.Param("id"))
		if err != nil {
			sendError(c, err)
			return
		}

		// Proxies must never serve a stale offset to a resuming client.
		c.Header("Cache-Control", "no-store")
		c.Header("Upload-Offset", strconv.FormatInt(s.Offset, 10))
		if s.LengthDeferred {
			c.Header("Upload-Defer-Length", tus.DeferLengthFlag)
		} else {
			c.Header("Upload-Length", strconv.FormatInt(s.Length, 10))
		}
		if len(s.Metadata) > 0 {
			c.Header("Upload-Metadata", tus.SerializeMetadata(s.Metadata))
		}
		if concat := tus.SerializeConcat(s, cfg.Uploads.MountPath); concat != "" {
			c.Header("Upload-Concat", concat)
		}
		expiryHeader(c, s)
		c.Status(http.StatusOK)
	}
}

// PatchHandler handles chunk appends and deferred length declaration.
// Implements: PATCH <mount>/:id
// Returns 204 with the new Upload-Offset on success.
func PatchHandler(engine *tus.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.ContentType() != tus.ContentType {
			sendError(c, tus.ErrInvalidContentType)
			return
		}

		offset, err := strconv.ParseInt(c.GetHeader("Upload-Offset"), 10, 64)
		if err != nil || offset < 0 {
			sendError(c, tus.ErrInvalidOffset)
			return
		}

		req := tus.PatchRequest{
			ID:         c.Param("id"),
			Offset:     offset,
			Body:       c.Request.Body,
			BodyLength: c.Request.ContentLength,
		}

		if lengthHeader := c.GetHeader("Upload-Length"); lengthHeader != "" {
			length, err := strconv.ParseInt(lengthHeader, 10, 64)
			if err != nil || length < 0 {
				sendError(c, tus.ErrInvalidUploadLength)
				return
			}
			req.DeclareLength = &length
		}

		digest, err := parseChecksumHeader(c)
		if err != nil {
			sendError(c, err)
			return
		}
		req.Checksum = digest

		s, err := engine.Patch(c.Request.Context(), req)
		if err != nil {
			sendError(c, err)
			return
		}

		if delta := s.Offset - offset; delta > 0 {
			telemetry.UploadBytesReceivedTotal.Add(float64(delta))
		}

		c.Header("Upload-Offset", strconv.FormatInt(s.Offset, 10))
		expiryHeader(c, s)
		c.Status(http.StatusNoContent)
	}
}

// TerminateHandler handles upload termination.
// Implements: DELETE <mount>/:id
// Returns 204; the upload and its bytes are gone, and a repeated DELETE
// reports 404.
func TerminateHandler(engine *tus.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := engine.Terminate(c.Request.Context(), c.Param("id")); err != nil {
			sendError(c, err)
			return
		}
		telemetry.UploadsTerminatedTotal.Inc()
		c.Status(http.StatusNoContent)
	}
}

// DownloadHandler streams the content of a completed upload.
// Implements: GET <mount>/:id
// The response Content-Type and Content-Disposition come from the upload's
// "filetype" and "filename" metadata when present.
func DownloadHandler(engine *tus.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, rc, err := engine.Reader(c.Request.Context(), c.Param("id"))
		if err != nil {
			sendError(c, err)
			return
		}
		defer rc.Close()

		contentType := s.Metadata["filetype"]
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		var extraHeaders map[string]string
		if filename := s.Metadata["filename"]; filename != "" {
			extraHeaders = map[string]string{
				"Content-Disposition": `attachment; filename="` + filename + `"`,
			}
		}

		c.DataFromReader(http.StatusOK, s.Length, contentType, rc, extraHeaders)
	}
}

// OptionsHandler handles protocol discovery.
// Implements: OPTIONS <mount>
// Returns 204 with the server's version, extensions, limits, and supported
// checksum algorithms.
func OptionsHandler(engine *tus.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Tus-Version", tus.Version)
		c.Header("Tus-Extension", Extensions)
		c.Header("Tus-Checksum-Algorithm", strings.Join(checksum.Algorithms, ","))
		if max := engine.MaxSize(); max > 0 {
			c.Header("Tus-Max-Size", strconv.FormatInt(max, 10))
		}
		c.Status(http.StatusNoContent)
	}
}
