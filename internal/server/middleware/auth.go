package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/tingly-relay/internal/auth"
)

// Context keys set by the middlewares and read by the handlers.
const (
	ContextAPIKeyID     = "api_key_id"
	ContextAPIKeyName   = "api_key_name"
	ContextAdminSubject = "admin_subject"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// AuthMiddleware provides authentication middleware for the relay and
// admin endpoints
type AuthMiddleware struct {
	verifier   *auth.Verifier
	jwtManager *auth.JWTManager
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier *auth.Verifier, jwtManager *auth.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:   verifier,
		jwtManager: jwtManager,
	}
}

// ModelAuthMiddleware middleware for the OpenAI and Anthropic endpoints.
// The auth will support both `Authorization` and `X-Api-Key`
func (am *AuthMiddleware) ModelAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.GetHeader("X-Api-Key")
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error: ErrorDetail{
					Message: "Authorization header required",
					Type:    "invalid_request_error",
					Code:    "missing_api_key",
				},
			})
			c.Abort()
			return
		}

		key, err := am.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			status, detail := keyErrorDetail(err)
			c.JSON(status, ErrorResponse{Error: detail})
			c.Abort()
			return
		}

		c.Set(ContextAPIKeyID, key.ID)
		c.Set(ContextAPIKeyName, key.Name)
		c.Next()
	}
}

func keyErrorDetail(err error) (int, ErrorDetail) {
	switch {
	case errors.Is(err, auth.ErrMalformedKey):
		return http.StatusUnauthorized, ErrorDetail{
			Message: "Invalid API key format",
			Type:    "invalid_request_error",
			Code:    "invalid_api_key",
		}
	case errors.Is(err, auth.ErrUnknownKey):
		return http.StatusUnauthorized, ErrorDetail{
			Message: "Invalid API key",
			Type:    "invalid_request_error",
			Code:    "invalid_api_key",
		}
	case errors.Is(err, auth.ErrKeyDisabled):
		return http.StatusUnauthorized, ErrorDetail{
			Message: "API key is disabled",
			Type:    "invalid_request_error",
			Code:    "api_key_disabled",
		}
	default:
		return http.StatusInternalServerError, ErrorDetail{
			Message: "API key verification failed",
			Type:    "api_error",
		}
	}
}

// AdminAuthMiddleware middleware for the management API. Requires a JWT
// minted with the admin role.
func (am *AuthMiddleware) AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error: ErrorDetail{
					Message: "Authorization header required",
					Type:    "invalid_request_error",
				},
			})
			c.Abort()
			return
		}

		claims, err := am.jwtManager.ValidateAdminToken(authHeader)
		if err != nil {
			c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error: ErrorDetail{
					Message: "Invalid or expired admin token",
					Type:    "invalid_request_error",
					Code:    "invalid_admin_token",
				},
			})
			c.Abort()
			return
		}

		c.Set(ContextAdminSubject, claims.Subject)
		c.Next()
	}
}
