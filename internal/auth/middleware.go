package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"follower-platform/internal/database"
)

func abortWithAuthError(c *gin.Context, status int, err AuthError) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   err.Code,
		"message": err.Message,
	})
}

// RequireMasterKey guards endpoints reserved for the broadcasting master
func RequireMasterKey(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !service.VerifyMasterKey(c.GetHeader(HeaderMasterKey)) {
			abortWithAuthError(c, http.StatusUnauthorized, ErrInvalidMasterKey)
			return
		}
		c.Next()
	}
}

// RequireAgentKey authenticates a subscriber agent and puts its user on
// the request context.
func RequireAgentKey(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := service.AuthenticateAgent(c.Request.Context(), c.GetHeader(HeaderAPIKey))
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidAgentKey
			}
			abortWithAuthError(c, http.StatusUnauthorized, authErr)
			return
		}

		c.Set(ContextKeyUserID, user.UserID)
		c.Set(ContextKeyUser, user)
		c.Next()
	}
}

// RequireAdmin validates a Bearer admin token
func RequireAdmin(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithAuthError(c, http.StatusUnauthorized, ErrUnauthorized)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abortWithAuthError(c, http.StatusUnauthorized, ErrUnauthorized)
			return
		}

		claims, err := service.ValidateAdminToken(parts[1])
		if err != nil {
			authErr, ok := err.(AuthError)
			if !ok {
				authErr = ErrInvalidToken
			}
			abortWithAuthError(c, http.StatusUnauthorized, authErr)
			return
		}

		if !claims.IsAdmin {
			abortWithAuthError(c, http.StatusForbidden, ErrForbidden)
			return
		}

		c.Set(ContextKeyIsAdmin, true)
		c.Set(ContextKeyTokenID, claims.ID)
		c.Next()
	}
}

// GetUserID extracts the authenticated agent's user id from the context
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get(ContextKeyUserID); exists {
		return userID.(string)
	}
	return ""
}

// GetAgentUser extracts the authenticated agent's user from the context
func GetAgentUser(c *gin.Context) *database.FollowerUser {
	if user, exists := c.Get(ContextKeyUser); exists {
		return user.(*database.FollowerUser)
	}
	return nil
}

// IsAdmin reports whether the request carries a validated admin token
func IsAdmin(c *gin.Context) bool {
	if isAdmin, exists := c.Get(ContextKeyIsAdmin); exists {
		return isAdmin.(bool)
	}
	return false
}

// GetTokenID extracts the admin token id from the context
func GetTokenID(c *gin.Context) string {
	if tokenID, exists := c.Get(ContextKeyTokenID); exists {
		return tokenID.(string)
	}
	return ""
}
