package auth

// Request headers, matching what the broadcaster and subscriber agents send
const (
	HeaderMasterKey = "X-Master-Key"
	HeaderAPIKey    = "X-API-Key"
)

// Context keys for authenticated request data
const (
	ContextKeyUserID  = "user_id"
	ContextKeyUser    = "agent_user"
	ContextKeyIsAdmin = "is_admin"
	ContextKeyTokenID = "token_id"
)

// TokenResponse is returned when an admin token is issued
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Always "Bearer"
	ExpiresIn   int64  `json:"expires_in"` // Seconds
}

// AuthError carries a stable error code alongside the message
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrMissingAPIKey    = AuthError{Code: "API_KEY_REQUIRED", Message: "API key required"}
	ErrInvalidAgentKey  = AuthError{Code: "INVALID_API_KEY", Message: "invalid API key"}
	ErrInvalidMasterKey = AuthError{Code: "INVALID_MASTER_KEY", Message: "invalid master API key"}
	ErrInvalidToken     = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired     = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized     = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden        = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
)
