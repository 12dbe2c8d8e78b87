// protocol.go implements the tus wire-level middleware: method override,
// protocol version negotiation, and the CORS headers resumable-upload clients
// in browsers depend on.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/upload-registry/upload-registry/internal/tus"
)

const (
	corsAllowHeaders  = "Authorization, Origin, X-Requested-With, X-Request-ID, X-HTTP-Method-Override, Content-Type, Upload-Length, Upload-Offset, Tus-Resumable, Upload-Metadata, Upload-Defer-Length, Upload-Concat, Upload-Checksum"
	corsAllowMethods  = "POST, HEAD, PATCH, OPTIONS, GET, DELETE"
	corsExposeHeaders = "Upload-Offset, Location, Upload-Length, Tus-Version, Tus-Resumable, Tus-Max-Size, Tus-Extension, Tus-Checksum-Algorithm, Upload-Metadata, Upload-Defer-Length, Upload-Concat, Upload-Expires"
)

// MethodOverride replaces the request method with the X-HTTP-Method-Override
// header value, for clients behind proxies that strip PATCH or DELETE. It
// must wrap the router itself: Gin picks the route tree by method, so the
// rewrite has to happen before routing.
func MethodOverride(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if override := r.Header.Get("X-HTTP-Method-Override"); override != "" {
			r.Method = override
		}
		next.ServeHTTP(w, r)
	})
}

// TusProtocolMiddleware returns a Gin handler enforcing the tus framing rules
// on every request under the upload mount:
//
//   - Every response carries Tus-Resumable with the server's protocol version.
//   - Every request except OPTIONS (version discovery) and GET (plain
//     download) must declare a supported Tus-Resumable version; a mismatch is
//     rejected with 412 and the versions the server does speak.
//   - Cross-origin requests get the CORS headers browser clients need, with
//     the tus headers explicitly exposed.
func TusProtocolMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			if c.Request.Method == http.MethodOptions {
				c.Header("Access-Control-Allow-Methods", corsAllowMethods)
				c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
				c.Header("Access-Control-Max-Age", "86400")
			} else {
				c.Header("Access-Control-Expose-Headers", corsExposeHeaders)
			}
		}

		c.Header("Tus-Resumable", tus.Version)

		if c.Request.Method != http.MethodOptions && c.Request.Method != http.MethodGet {
			if c.GetHeader("Tus-Resumable") != tus.Version {
				c.Header("Tus-Version", tus.Version)
				c.AbortWithStatus(http.StatusPreconditionFailed)
				return
			}
		}

		c.Next()
	}
}
