package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"follower-platform/internal/commerce"
)

// handleCommerceWebhook processes Coinbase Commerce charge callbacks. The
// provider retries on non-2xx, so transient failures return 500 and
// everything durable acks with 200.
func (s *Server) handleCommerceWebhook(c *gin.Context) {
	if s.services.Commerce == nil || s.services.BillingEngine == nil {
		errorResponse(c, http.StatusServiceUnavailable, "payment provider not configured")
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	signature := c.GetHeader(commerce.HeaderWebhookSignature)
	if signature == "" {
		errorResponse(c, http.StatusBadRequest, "missing webhook signature")
		return
	}
	if !s.services.Commerce.VerifySignature(payload, signature) {
		s.logger.Warn().Str("client_ip", c.ClientIP()).Msg("Webhook signature verification failed")
		errorResponse(c, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	event, err := commerce.ParseEvent(payload)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "malformed webhook payload")
		return
	}

	chargeID := event.ChargeID()
	if chargeID == "" {
		// Nothing to settle against; ack so the provider stops retrying.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	ctx := c.Request.Context()
	switch event.Type {
	case commerce.EventChargeConfirmed:
		if _, err := s.services.BillingEngine.ConfirmPayment(ctx, chargeID); err != nil {
			s.logger.Error().Err(err).Str("charge_id", chargeID).Msg("Payment confirmation failed")
			errorResponse(c, http.StatusInternalServerError, "failed to process webhook")
			return
		}
	case commerce.EventChargeFailed:
		if _, err := s.services.BillingEngine.ExpireCharge(ctx, chargeID); err != nil {
			s.logger.Error().Err(err).Str("charge_id", chargeID).Msg("Charge expiry failed")
			errorResponse(c, http.StatusInternalServerError, "failed to process webhook")
			return
		}
	default:
		s.logger.Debug().Str("type", event.Type).Str("charge_id", chargeID).Msg("Ignoring webhook event")
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
