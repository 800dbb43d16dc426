package cerberus

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/signals"
)

// Response headers set by the middleware.
const (
	HeaderChallenge      = "X-Perimeter-Challenge"
	HeaderRotatedSession = "X-Perimeter-Session-Token"
	// DecisionContextKey holds the Decision in the gin context.
	DecisionContextKey = "perimeter_decision"
)

// MiddlewareOptions adapts the middleware to the host application.
type MiddlewareOptions struct {
	// SessionCookie names the cookie carrying the session credential.
	SessionCookie string
	// IdentityResolver returns the caller's claimed identity. By default every
	// request is anonymous until its session credential verifies.
	IdentityResolver func(*gin.Context) models.Identity
	// TrustIdentityHeaders uses HeaderIdentity when no resolver is set. Enable it
	// only behind an upstream that strips client-supplied X-User-* headers.
	TrustIdentityHeaders bool
	// ChallengeHandler responds to challenged requests. It must either abort or
	// call Next. Defaults to 401 with X-Perimeter-Challenge: required.
	ChallengeHandler gin.HandlerFunc
}

// HeaderIdentity reads X-User-ID and X-User-Tier set by a trusted upstream auth
// layer. The tier only applies once the request's session verifies.
func HeaderIdentity(c *gin.Context) models.Identity {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		return models.Anonymous()
	}
	tier := models.ParseTier(c.GetHeader("X-User-Tier"))
	if tier == models.TierGuest {
		tier = models.TierAuthenticated
	}
	return models.Identity{UserID: userID, Tier: tier}
}

func anonymousIdentity(*gin.Context) models.Identity { return models.Anonymous() }

// Middleware returns a Gin middleware that runs every request through Check.
func (e *Engine) Middleware(opts MiddlewareOptions) gin.HandlerFunc {
	resolve := opts.IdentityResolver
	if resolve == nil {
		resolve = anonymousIdentity
		if opts.TrustIdentityHeaders {
			resolve = HeaderIdentity
		}
	}

	return func(ctx *gin.Context) {
		raw := signals.FromHTTP(ctx.Request, ctx.ClientIP(), opts.SessionCookie)
		d := e.Check(ctx.Request.Context(), raw, resolve(ctx))
		ctx.Set(DecisionContextKey, d)

		if d.RateLimit != nil {
			ctx.Header("X-RateLimit-Limit", strconv.Itoa(d.RateLimit.Limit))
			ctx.Header("X-RateLimit-Remaining", strconv.Itoa(d.RateLimit.Remaining))
		}
		if d.RotatedCredential != "" {
			ctx.Header(HeaderRotatedSession, d.RotatedCredential)
		}

		switch d.Outcome {
		case OutcomeBlock:
			if d.EventType == models.EventRateLimitExceeded {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				ctx.Header("Retry-After", strconv.Itoa(max(secs, 1)))
				ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
				return
			}
			ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		case OutcomeChallenge:
			if opts.ChallengeHandler != nil {
				opts.ChallengeHandler(ctx)
				return
			}
			ctx.Header(HeaderChallenge, "required")
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Additional verification required"})
			return
		}

		ctx.Next()
	}
}

// DecisionFrom returns the decision stored by the middleware, if any.
func DecisionFrom(ctx *gin.Context) (Decision, bool) {
	v, ok := ctx.Get(DecisionContextKey)
	if !ok {
		return Decision{}, false
	}
	d, ok := v.(Decision)
	return d, ok
}
