package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/bootvisor/internal/fault"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeAbsPath ensures the provided path is absolute and does not contain traversal.
// It must be already cleaned (no ".." segments).
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	sep := string(filepath.Separator)
	trimmed := strings.TrimRight(p, sep)
	if trimmed == "" {
		trimmed = p // keep root like "/" on Unix
	}
	// Reject if cleaning changes more than just trailing separators
	return clean == p || clean == trimmed
}

// isSafeValue rejects values that could smuggle extra arguments or lines
// into the child's command line or the settings file.
func isSafeValue(s string) bool {
	if strings.ContainsAny(s, "\r\n\x00") {
		return false
	}
	return !strings.HasPrefix(strings.TrimSpace(s), "-")
}

// parseWait reads the wait query parameter, falling back to def.
func parseWait(c *gin.Context, def time.Duration) (time.Duration, bool) {
	v := c.Query("wait")
	if v == "" {
		return def, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// statusFor maps an error kind to the HTTP status of the response.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindAlreadyRunning, fault.KindRestartInProgress:
		return http.StatusConflict
	case fault.KindPrerequisiteMissing:
		return http.StatusPreconditionFailed
	case fault.KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// writeResult answers a lifecycle command. Non-fatal errors such as a
// forced kill are reported as a warning next to ok.
func writeResult(c *gin.Context, err error) {
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case !fault.IsFatal(err):
		writeJSON(c, http.StatusOK, okResp{OK: true, Warning: err.Error(), Kind: fault.KindOf(err).String()})
	default:
		writeJSON(c, statusFor(err), errorResp{Error: err.Error(), Kind: fault.KindOf(err).String()})
	}
}
