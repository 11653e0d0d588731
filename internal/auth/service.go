package auth

import (
	"context"
	"crypto/subtle"

	"github.com/rs/zerolog"

	"follower-platform/config"
	"follower-platform/internal/database"
)

// UserSource looks up subscriber users for agent key checks
type UserSource interface {
	GetUser(ctx context.Context, userID string) (*database.FollowerUser, error)
}

// Service handles authentication for the three caller classes: the
// broadcasting master, subscriber agents, and admin operators.
type Service struct {
	users      UserSource
	jwtManager *JWTManager
	masterKey  string
	logger     zerolog.Logger
}

// NewService creates a new authentication service
func NewService(users UserSource, cfg config.AuthConfig, logger zerolog.Logger) *Service {
	serviceLogger := logger.With().Str("component", "Auth").Logger()

	if cfg.MasterKey == "" {
		serviceLogger.Warn().Msg("MASTER_KEY is not set, broadcast and admin token endpoints will reject all requests")
	}
	if cfg.JWTSecret == "" {
		serviceLogger.Warn().Msg("AUTH_JWT_SECRET is not set, admin tokens cannot be issued")
	}

	return &Service{
		users:      users,
		jwtManager: NewJWTManager(cfg.JWTSecret, cfg.AdminTokenDuration),
		masterKey:  cfg.MasterKey,
		logger:     serviceLogger,
	}
}

// VerifyMasterKey checks the broadcaster's key in constant time. An
// unconfigured master key rejects everything.
func (s *Service) VerifyMasterKey(provided string) bool {
	if s.masterKey == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.masterKey), []byte(provided)) == 1
}

// AuthenticateAgent resolves an agent API key to its user
func (s *Service) AuthenticateAgent(ctx context.Context, apiKey string) (*database.FollowerUser, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	userID, secret, ok := SplitAgentKey(apiKey)
	if !ok {
		return nil, ErrInvalidAgentKey
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Agent key lookup failed")
		return nil, ErrInvalidAgentKey
	}
	if user == nil || user.AgentKeyHash == nil || *user.AgentKeyHash == "" {
		return nil, ErrInvalidAgentKey
	}

	if !VerifyAgentKey(*user.AgentKeyHash, secret) {
		return nil, ErrInvalidAgentKey
	}

	return user, nil
}

// IssueAdminToken exchanges the master key for a short-lived admin JWT
func (s *Service) IssueAdminToken(masterKey string) (*TokenResponse, error) {
	if !s.VerifyMasterKey(masterKey) {
		return nil, ErrInvalidMasterKey
	}

	token, err := s.jwtManager.GenerateAdminToken()
	if err != nil {
		return nil, err
	}

	s.logger.Info().Msg("Admin token issued")
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.jwtManager.TokenDuration().Seconds()),
	}, nil
}

// ValidateAdminToken validates an admin JWT and returns its claims
func (s *Service) ValidateAdminToken(tokenString string) (*AdminClaims, error) {
	return s.jwtManager.ValidateAdminToken(tokenString)
}
