package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"
)

const verifyTimeout = 1200 * time.Millisecond

type verifyErrResp struct {
	Error string `json:"error"`
}

// VerifyClaims is the identity the auth service vouches for. The core
// never issues or validates tokens itself; it only trusts the verified
// userId/role pair.
type VerifyClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Type     string `json:"type"` // "access"
}

type verifyError struct {
	status  int
	code    string
	message string
}

func (e *verifyError) Error() string { return e.message }

// AuthMiddleware verifies the bearer token against the upstream auth
// service and injects userId/username/role into the request context.
// Concurrent requests presenting the same token share a single upstream
// verification. authBaseURL carries no path; the verify endpoint is
// appended here.
func AuthMiddleware(authBaseURL string) gin.HandlerFunc {
	client := &http.Client{}
	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"
	group := &singleflight.Group{}

	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// Browsers cannot set headers on a WebSocket upgrade; allow
			// ?token= for that path.
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		v, err, _ := group.Do(tokenString, func() (any, error) {
			return verifyToken(client, verifyURL, tokenString)
		})
		if err != nil {
			var ve *verifyError
			if errors.As(err, &ve) {
				c.AbortWithStatusJSON(ve.status, gin.H{"code": ve.code, "message": ve.message})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"code":    "AUTH_UPSTREAM_ERROR",
				"message": "auth service verify failed",
			})
			return
		}

		claims := v.(*VerifyClaims)
		c.Set("userId", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// verifyToken runs one upstream verification. It carries its own deadline
// rather than any request context: deduplicated callers share the flight,
// so no single caller's cancellation may abort it.
func verifyToken(client *http.Client, verifyURL, token string) (*VerifyClaims, error) {
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &verifyError{status: http.StatusBadGateway, code: "AUTH_UPSTREAM_ERROR", message: "auth service verify failed"}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		msg := e.Error
		if msg == "" {
			msg = "invalid token"
		}
		return nil, &verifyError{status: http.StatusUnauthorized, code: "UNAUTHENTICATED", message: msg}
	case resp.StatusCode != http.StatusOK:
		return nil, &verifyError{status: http.StatusBadGateway, code: "AUTH_UPSTREAM_ERROR", message: "auth service verify non-200"}
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, &verifyError{status: http.StatusBadGateway, code: "AUTH_UPSTREAM_ERROR", message: "invalid verify response"}
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, &verifyError{status: http.StatusUnauthorized, code: "UNAUTHENTICATED", message: "access token required"}
	}
	return &claims, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
