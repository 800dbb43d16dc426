package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/Wikid82/perimeter/internal/version"
)

// HealthHandler reports liveness plus database reachability.
func HealthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		dbStatus := "ok"
		if err := ping(db); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			dbStatus = "unreachable"
		}
		c.JSON(code, gin.H{
			"status":   status,
			"database": dbStatus,
			"build":    version.Get(),
		})
	}
}

func ping(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
