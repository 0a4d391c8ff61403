package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/openassets/solvency-backend/internal/auth"
	"github.com/openassets/solvency-backend/internal/domain/partner"
)

// PartnerLookup resolves an API key digest to a partner record.
type PartnerLookup interface {
	GetByAPIKeyHash(ctx context.Context, hash string) (*partner.Entity, error)
}

func RequirePartner(repo PartnerLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("X-Api-Key"))
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		entity, err := repo.GetByAPIKeyHash(c.Request.Context(), auth.HashAPIKey(key))
		if err != nil || entity == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set("partner", entity)
		c.Next()
	}
}
