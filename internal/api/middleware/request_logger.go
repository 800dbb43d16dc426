package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/perimeter/internal/cerberus"
)

// RequestLogger logs each handled request with its perimeter decision when
// one was made.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    SanitizePath(c.Request.URL.Path),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}
		if d, ok := cerberus.DecisionFrom(c); ok {
			fields["outcome"] = d.Outcome
			fields["risk_score"] = d.RiskScore
			fields["event_uuid"] = d.EventUUID
		}
		GetRequestLogger(c).WithFields(fields).Info("handled request")
	}
}
