package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"follower-platform/internal/auth"
	"follower-platform/internal/billing"
	"follower-platform/internal/database"
)

// Reports within this window of an existing trade on the same symbol are
// treated as agent retries.
const duplicateTradeWindow = 2 * time.Second

type pnlReport struct {
	Symbol     string          `json:"symbol" binding:"required"`
	Side       string          `json:"side" binding:"required"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Leverage   int             `json:"leverage"`
	EntryTime  time.Time       `json:"entry_time" binding:"required"`
	ExitTime   time.Time       `json:"exit_time" binding:"required"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
}

// handleReportPnL records a closed trade from an agent and accrues its fee.
// Suspended agents still report: positions closed during suspension belong
// in the ledger.
func (s *Server) handleReportPnL(c *gin.Context) {
	user := auth.GetAgentUser(c)
	if user == nil {
		errorResponse(c, http.StatusUnauthorized, "authentication required")
		return
	}

	var req pnlReport
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid trade report: "+err.Error())
		return
	}

	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != database.SideLong && side != database.SideShort {
		errorResponse(c, http.StatusBadRequest, "side must be long or short")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if !req.ExitTime.After(req.EntryTime) {
		errorResponse(c, http.StatusBadRequest, "exit_time must be after entry_time")
		return
	}

	ctx := c.Request.Context()
	rate := s.services.BillingEngine.Rates().RateFor(user.FeeTier)

	exists, err := s.repo.TradeExistsNear(ctx, user.UserID, symbol, req.ExitTime, duplicateTradeWindow)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.UserID).Msg("Trade duplicate check failed")
		errorResponse(c, http.StatusInternalServerError, "failed to record trade")
		return
	}
	if exists {
		c.JSON(http.StatusOK, s.tradeReceipt(c, user.UserID, "duplicate", nil, decimal.Zero, rate))
		return
	}

	fee := billing.ComputeFee(req.PnL, rate)
	trade := &database.Trade{
		UserID:     user.UserID,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: req.EntryPrice,
		ExitPrice:  req.ExitPrice,
		Quantity:   req.Quantity,
		Leverage:   req.Leverage,
		EntryTime:  req.EntryTime.UTC(),
		ExitTime:   req.ExitTime.UTC(),
		PnL:        req.PnL,
		PnLPercent: req.PnLPercent,
		Fee:        fee,
		Source:     database.TradeSourceLive,
	}

	if err := s.repo.InsertTradeWithTotals(ctx, trade); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.UserID).Str("symbol", symbol).Msg("Failed to record reported trade")
		errorResponse(c, http.StatusInternalServerError, "failed to record trade")
		return
	}

	// The first reported trade starts the user's billing clock.
	if user.BillingCycleStart == nil {
		if _, err := s.services.BillingEngine.StartCycle(ctx, user.UserID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", user.UserID).Msg("Failed to auto-start billing cycle")
		}
	}

	s.eventBus.PublishTradeReported(user.UserID, symbol, side, req.PnL)

	c.JSON(http.StatusOK, s.tradeReceipt(c, user.UserID, "recorded", &trade.ID, fee, rate))
}

// tradeReceipt builds the report-pnl response with fresh cycle totals so
// the agent can display what the current cycle will bill.
func (s *Server) tradeReceipt(c *gin.Context, userID, status string, tradeID *int64, fee, rate decimal.Decimal) gin.H {
	resp := gin.H{
		"status":      status,
		"fee_charged": fee.String(),
	}
	if tradeID != nil {
		resp["trade_id"] = *tradeID
	}

	stats, err := s.repo.GetLedgerStats(c.Request.Context(), userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Ledger stats lookup failed after trade report")
		return resp
	}
	resp["cycle_profit"] = stats.CurrentCycleProfit.String()
	resp["cycle_trades"] = stats.CurrentCycleTrades
	resp["projected_fee"] = billing.ComputeFee(stats.CurrentCycleProfit, rate).String()
	return resp
}

// handleAgentStatus is the agent self-check: access state, credential
// state, and the billing view for the current cycle.
func (s *Server) handleAgentStatus(c *gin.Context) {
	user := auth.GetAgentUser(c)
	if user == nil {
		errorResponse(c, http.StatusUnauthorized, "authentication required")
		return
	}

	ctx := c.Request.Context()
	summary, err := s.services.BillingEngine.Summary(ctx, user.UserID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.UserID).Msg("Billing summary failed")
		errorResponse(c, http.StatusInternalServerError, "failed to load status")
		return
	}

	resp := gin.H{
		"user_id":         user.UserID,
		"access_granted":  user.AccessGranted,
		"agent_active":    user.AgentActive,
		"credentials_set": user.CredentialsSet(),
		"billing":         summary,
	}
	if trades, err := s.repo.GetUserTrades(ctx, user.UserID, 10, 0); err == nil {
		resp["recent_trades"] = trades
	}

	c.JSON(http.StatusOK, resp)
}

// handleStoreCredentials stores a user's exchange API credentials,
// encrypted at rest. Needed before balance checks and trade backfills can
// reach the exchange for this user.
func (s *Server) handleStoreCredentials(c *gin.Context) {
	userID := auth.GetUserID(c)
	if s.services.APIKeys == nil || !s.services.APIKeys.KeyConfigured() {
		errorResponse(c, http.StatusServiceUnavailable, "credential encryption not configured")
		return
	}

	var req struct {
		APIKey    string `json:"api_key" binding:"required"`
		APISecret string `json:"api_secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "api_key and api_secret are required")
		return
	}

	if err := s.services.APIKeys.StoreCredentials(c.Request.Context(), userID, req.APIKey, req.APISecret); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to store exchange credentials")
		errorResponse(c, http.StatusInternalServerError, "failed to store credentials")
		return
	}

	successResponse(c, gin.H{"credentials_set": true})
}

// handleDeleteCredentials removes a user's stored exchange credentials
func (s *Server) handleDeleteCredentials(c *gin.Context) {
	userID := auth.GetUserID(c)
	if s.services.APIKeys == nil {
		errorResponse(c, http.StatusServiceUnavailable, "credential storage not configured")
		return
	}

	if err := s.services.APIKeys.DeleteCredentials(c.Request.Context(), userID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to delete exchange credentials")
		errorResponse(c, http.StatusInternalServerError, "failed to delete credentials")
		return
	}

	successResponse(c, gin.H{"credentials_set": false})
}
