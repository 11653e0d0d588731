package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"follower-platform/internal/auth"
	"follower-platform/internal/database"
	"follower-platform/internal/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are headless processes, not browsers; there is no origin to
	// check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// requireAccess returns the authenticated agent when signal access is
// granted, or writes the payment-required payload and returns nil. Revoked
// agents get a 200 with access_granted false so they can surface the
// reason instead of treating it as a transport failure.
func requireAccess(c *gin.Context) *database.FollowerUser {
	user := auth.GetAgentUser(c)
	if user == nil {
		errorResponse(c, http.StatusUnauthorized, "authentication required")
		return nil
	}
	if !user.AccessGranted {
		resp := gin.H{
			"access_granted": false,
			"reason":         "payment required",
		}
		if user.PendingInvoiceID != nil {
			resp["charge_id"] = *user.PendingInvoiceID
		}
		if user.PendingInvoiceAmount.Valid {
			resp["amount_due"] = user.PendingInvoiceAmount.Decimal.String()
		}
		c.JSON(http.StatusOK, resp)
		return nil
	}
	return user
}

// handleBroadcastSignal accepts a signal from the master algorithm and fans
// it out. Master key only.
func (s *Server) handleBroadcastSignal(c *gin.Context) {
	var req signal.BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	sig, err := s.services.Relay.Broadcast(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, signal.ErrInvalidSignal) {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, "failed to broadcast signal")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "broadcast",
		"signal":       sig,
		"delivered_to": s.services.Relay.Hub().ClientCount(),
	})
}

// handleRetractSignal drops the pollable latest signal. Master key only.
func (s *Server) handleRetractSignal(c *gin.Context) {
	if err := s.services.Relay.ClearLatest(c.Request.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Signal retraction failed")
		errorResponse(c, http.StatusServiceUnavailable, "failed to retract signal")
		return
	}
	successResponse(c, gin.H{"status": "retracted"})
}

// handleLatestSignal serves the polling path of the agent protocol
func (s *Server) handleLatestSignal(c *gin.Context) {
	if requireAccess(c) == nil {
		return
	}

	sig, err := s.services.Relay.Latest(c.Request.Context())
	if err != nil {
		// Latest only fails with ErrNoSignal; a degraded cache looks the
		// same as a quiet market to the agent.
		c.JSON(http.StatusOK, gin.H{
			"access_granted": true,
			"signal":         nil,
			"message":        "no new signals",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_granted": true,
		"signal":         sig,
	})
}

// handleSignalsSince lets a reconnecting agent catch up on signals it
// missed while offline.
func (s *Server) handleSignalsSince(c *gin.Context) {
	if requireAccess(c) == nil {
		return
	}

	sinceParam := c.Query("since")
	if sinceParam == "" {
		errorResponse(c, http.StatusBadRequest, "since parameter is required (RFC3339)")
		return
	}
	since, err := time.Parse(time.RFC3339, sinceParam)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid since timestamp, expected RFC3339")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	signals, err := s.services.Relay.Since(c.Request.Context(), since, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Signal catch-up query failed")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch signals")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_granted": true,
		"signals":        signals,
		"count":          len(signals),
	})
}

// handleSignalSocket upgrades an agent to the websocket push channel
func (s *Server) handleSignalSocket(c *gin.Context) {
	user := requireAccess(c)
	if user == nil {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Warn().Err(err).Str("user_id", user.UserID).Msg("Websocket upgrade failed")
		return
	}

	s.services.Relay.Hub().HandleConnection(conn, user.UserID)
}
