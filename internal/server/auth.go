package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// IsTokenHash reports whether a configured token is a bcrypt hash rather
// than the token itself.
func IsTokenHash(token string) bool {
	for _, p := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(token, p) {
			return true
		}
	}
	return false
}

// HashToken returns the bcrypt hash of token for use as server.token.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func tokenMatcher(token string) func(got string) bool {
	if IsTokenHash(token) {
		hash := []byte(token)
		return func(got string) bool {
			return got != "" && bcrypt.CompareHashAndPassword(hash, []byte(got)) == nil
		}
	}
	want := []byte(token)
	return func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), want) == 1
	}
}

// tokenAuth requires a bearer token on every non-GET request when token is
// set. token is either the literal secret or its bcrypt hash.
func tokenAuth(token string) gin.HandlerFunc {
	match := tokenMatcher(token)
	return func(c *gin.Context) {
		if token == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		got := ""
		if h := c.GetHeader("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				got = strings.TrimSpace(parts[1])
			}
		}
		if !match(got) {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "authentication required", Kind: "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
