package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"follower-platform/internal/auth"
	"follower-platform/internal/balance"
	"follower-platform/internal/billing"
	"follower-platform/internal/reconcile"
)

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// handleIssueAdminToken exchanges the master key for a short-lived admin
// bearer token.
func (s *Server) handleIssueAdminToken(c *gin.Context) {
	token, err := s.services.Auth.IssueAdminToken(c.GetHeader(auth.HeaderMasterKey))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidMasterKey) {
			errorResponse(c, http.StatusUnauthorized, "invalid master API key")
			return
		}
		s.logger.Error().Err(err).Msg("Admin token issuance failed")
		errorResponse(c, http.StatusInternalServerError, "failed to issue token")
		return
	}
	c.JSON(http.StatusOK, token)
}

// handleListUsers returns all follower users. Key material never
// serializes; the model hides hashes and encrypted credentials.
func (s *Server) handleListUsers(c *gin.Context) {
	users, err := s.repo.ListUsers(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list users")
		errorResponse(c, http.StatusInternalServerError, "failed to list users")
		return
	}
	successResponse(c, gin.H{"users": users, "count": len(users)})
}

type createUserRequest struct {
	UserID         string              `json:"user_id" binding:"required"`
	Email          *string             `json:"email"`
	FeeTier        string              `json:"fee_tier"`
	InitialCapital decimal.NullDecimal `json:"initial_capital"`
}

// handleCreateUser provisions a follower user and mints their agent key.
// The key is returned exactly once.
func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "user_id is required")
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if !userIDPattern.MatchString(userID) {
		errorResponse(c, http.StatusBadRequest, "user_id must be 1-64 characters of a-z, 0-9, dot, dash or underscore")
		return
	}
	if req.FeeTier != "" {
		if _, ok := s.services.BillingEngine.Rates()[req.FeeTier]; !ok {
			errorResponse(c, http.StatusBadRequest, "unknown fee tier "+req.FeeTier)
			return
		}
	}

	ctx := c.Request.Context()
	existing, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("User lookup failed")
		errorResponse(c, http.StatusInternalServerError, "failed to create user")
		return
	}
	if existing != nil {
		errorResponse(c, http.StatusConflict, "user already exists")
		return
	}

	user, err := s.repo.CreateUser(ctx, userID, req.Email)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create user")
		errorResponse(c, http.StatusInternalServerError, "failed to create user")
		return
	}

	plaintext, hash, err := auth.GenerateAgentKey(userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to generate agent key")
		errorResponse(c, http.StatusInternalServerError, "user created but key generation failed, rotate the key")
		return
	}
	if err := s.repo.SetAgentKeyHash(ctx, userID, hash); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to store agent key hash")
		errorResponse(c, http.StatusInternalServerError, "user created but key generation failed, rotate the key")
		return
	}
	if err := s.repo.SetAccessGranted(ctx, userID, true); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to grant access")
		errorResponse(c, http.StatusInternalServerError, "user created but access grant failed")
		return
	}

	tier := user.FeeTier
	if req.FeeTier != "" && req.FeeTier != user.FeeTier {
		if err := s.repo.SetFeeTier(ctx, userID, req.FeeTier); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to set fee tier")
			errorResponse(c, http.StatusInternalServerError, "user created but tier assignment failed")
			return
		}
		tier = req.FeeTier
	}

	if req.InitialCapital.Valid && req.InitialCapital.Decimal.IsPositive() {
		if err := s.repo.InitPortfolio(ctx, userID, req.InitialCapital.Decimal); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to initialize portfolio")
			errorResponse(c, http.StatusInternalServerError, "user created but portfolio initialization failed")
			return
		}
	}

	s.logger.Info().Str("user_id", userID).Str("fee_tier", tier).Msg("User provisioned")

	c.JSON(http.StatusCreated, gin.H{
		"user_id":        userID,
		"email":          req.Email,
		"fee_tier":       tier,
		"access_granted": true,
		"api_key":        plaintext,
		"message":        "store this API key now, it is not shown again",
	})
}

type setAccessRequest struct {
	Granted *bool `json:"granted" binding:"required"`
}

// handleSetAccess toggles a user's signal access. Revocation cuts any live
// websocket connections after pushing a notice so the agent knows why.
func (s *Server) handleSetAccess(c *gin.Context) {
	userID := c.Param("user_id")

	var req setAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "granted is required")
		return
	}

	ctx := c.Request.Context()
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("User lookup failed")
		errorResponse(c, http.StatusInternalServerError, "failed to update access")
		return
	}
	if user == nil {
		errorResponse(c, http.StatusNotFound, "user not found")
		return
	}

	if err := s.repo.SetAccessGranted(ctx, userID, *req.Granted); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to update access")
		errorResponse(c, http.StatusInternalServerError, "failed to update access")
		return
	}

	if !*req.Granted && s.services.Relay != nil {
		hub := s.services.Relay.Hub()
		hub.SendToUser(userID, map[string]interface{}{"type": "access_revoked"})
		hub.DisconnectUser(userID)
	}

	s.logger.Info().Str("user_id", userID).Bool("granted", *req.Granted).Msg("Access updated")
	successResponse(c, gin.H{"user_id": userID, "access_granted": *req.Granted})
}

// handleRotateKey mints a replacement agent key and invalidates the old
// one. Existing connections are cut so the agent re-authenticates.
func (s *Server) handleRotateKey(c *gin.Context) {
	userID := c.Param("user_id")
	ctx := c.Request.Context()

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("User lookup failed")
		errorResponse(c, http.StatusInternalServerError, "failed to rotate key")
		return
	}
	if user == nil {
		errorResponse(c, http.StatusNotFound, "user not found")
		return
	}

	plaintext, hash, err := auth.GenerateAgentKey(userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to generate agent key")
		errorResponse(c, http.StatusInternalServerError, "failed to rotate key")
		return
	}
	if err := s.repo.SetAgentKeyHash(ctx, userID, hash); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to store agent key hash")
		errorResponse(c, http.StatusInternalServerError, "failed to rotate key")
		return
	}

	if s.services.Relay != nil {
		s.services.Relay.Hub().DisconnectUser(userID)
	}

	s.logger.Info().Str("user_id", userID).Msg("Agent key rotated")
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"api_key": plaintext,
		"message": "store this API key now, it is not shown again",
	})
}

type scheduleTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// handleScheduleTier queues a fee tier change for the next cycle boundary
func (s *Server) handleScheduleTier(c *gin.Context) {
	userID := c.Param("user_id")

	var req scheduleTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "tier is required")
		return
	}

	err := s.services.BillingEngine.ScheduleTierChange(c.Request.Context(), userID, req.Tier)
	switch {
	case errors.Is(err, billing.ErrUnknownTier):
		errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrUserNotFound):
		errorResponse(c, http.StatusNotFound, "user not found")
	case err != nil:
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to schedule tier change")
		errorResponse(c, http.StatusInternalServerError, "failed to schedule tier change")
	default:
		successResponse(c, gin.H{"user_id": userID, "next_cycle_fee_tier": req.Tier})
	}
}

// handleUserBilling returns the per-user billing view
func (s *Server) handleUserBilling(c *gin.Context) {
	userID := c.Param("user_id")

	summary, err := s.services.BillingEngine.Summary(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			errorResponse(c, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Billing summary failed")
		errorResponse(c, http.StatusInternalServerError, "failed to load billing summary")
		return
	}
	successResponse(c, summary)
}

// handleUserPortfolio returns the user's balance-derived portfolio view
func (s *Server) handleUserPortfolio(c *gin.Context) {
	userID := c.Param("user_id")

	summary, err := s.services.BalanceChecker.GetBalanceSummary(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, balance.ErrNoPortfolio) {
			errorResponse(c, http.StatusNotFound, "no portfolio for user")
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Balance summary failed")
		errorResponse(c, http.StatusInternalServerError, "failed to load portfolio")
		return
	}
	successResponse(c, summary)
}

// handleUserTransactions lists detected deposits and withdrawals for a
// user. Defaults to the last 30 days.
func (s *Server) handleUserTransactions(c *gin.Context) {
	userID := c.Param("user_id")

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if p := c.Query("start"); p != "" {
		t, err := time.Parse(time.RFC3339, p)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid start timestamp, expected RFC3339")
			return
		}
		start = t
	}
	if p := c.Query("end"); p != "" {
		t, err := time.Parse(time.RFC3339, p)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid end timestamp, expected RFC3339")
			return
		}
		end = t
	}

	txns, err := s.repo.GetUserTransactions(c.Request.Context(), userID, start, end)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Transaction query failed")
		errorResponse(c, http.StatusInternalServerError, "failed to load transactions")
		return
	}
	successResponse(c, gin.H{"user_id": userID, "transactions": txns, "count": len(txns)})
}

// handleUserTrades lists a user's recorded trades, newest first
func (s *Server) handleUserTrades(c *gin.Context) {
	userID := c.Param("user_id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	trades, err := s.repo.GetUserTrades(c.Request.Context(), userID, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Trade query failed")
		errorResponse(c, http.StatusInternalServerError, "failed to load trades")
		return
	}
	successResponse(c, gin.H{"user_id": userID, "trades": trades, "count": len(trades)})
}

// handleBillingRun triggers an immediate billing pass over all users
func (s *Server) handleBillingRun(c *gin.Context) {
	if s.services.BillingScheduler == nil {
		errorResponse(c, http.StatusServiceUnavailable, "billing scheduler not configured")
		return
	}

	stats, err := s.services.BillingScheduler.RunNow(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual billing run failed")
		errorResponse(c, http.StatusInternalServerError, "billing run failed")
		return
	}
	successResponse(c, stats)
}

// handleStartCycle opens a billing cycle for a user. Normally cycles start
// with the first reported trade; this is the manual override.
func (s *Server) handleStartCycle(c *gin.Context) {
	userID := c.Param("user_id")

	started, err := s.services.BillingEngine.StartCycle(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			errorResponse(c, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to start billing cycle")
		errorResponse(c, http.StatusInternalServerError, "failed to start cycle")
		return
	}
	successResponse(c, gin.H{"user_id": userID, "started": started})
}

// handleWaiveFees moves a user to the zero-rate tier and releases any
// pending invoice. The open cycle then closes waived at its boundary.
func (s *Server) handleWaiveFees(c *gin.Context) {
	userID := c.Param("user_id")

	err := s.services.BillingEngine.WaiveUserFees(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			errorResponse(c, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to waive fees")
		errorResponse(c, http.StatusInternalServerError, "failed to waive fees")
		return
	}
	successResponse(c, gin.H{"user_id": userID, "status": "waived"})
}

// handlePlatformBilling returns platform-wide billing aggregates
func (s *Server) handlePlatformBilling(c *gin.Context) {
	stats, err := s.repo.GetPlatformBillingStats(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Platform billing stats failed")
		errorResponse(c, http.StatusInternalServerError, "failed to load billing stats")
		return
	}
	successResponse(c, stats)
}

// handleBalanceRun triggers an immediate balance check over all users
func (s *Server) handleBalanceRun(c *gin.Context) {
	if s.services.BalanceScheduler == nil {
		errorResponse(c, http.StatusServiceUnavailable, "balance checker not configured")
		return
	}

	result, err := s.services.BalanceScheduler.RunNow(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual balance check failed")
		errorResponse(c, http.StatusInternalServerError, "balance check failed")
		return
	}
	successResponse(c, result)
}

// handleBackfillUser rebuilds a user's trade history from exchange fills
func (s *Server) handleBackfillUser(c *gin.Context) {
	if s.services.Backfiller == nil {
		errorResponse(c, http.StatusServiceUnavailable, "exchange access not configured")
		return
	}
	userID := c.Param("user_id")

	result, err := s.services.Backfiller.BackfillUser(c.Request.Context(), userID)
	switch {
	case errors.Is(err, reconcile.ErrUserNotFound):
		errorResponse(c, http.StatusNotFound, "user not found")
	case errors.Is(err, reconcile.ErrNoCredentials):
		errorResponse(c, http.StatusConflict, "user has no exchange credentials on file")
	case err != nil:
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Backfill failed")
		errorResponse(c, http.StatusInternalServerError, "backfill failed")
	default:
		successResponse(c, result)
	}
}
