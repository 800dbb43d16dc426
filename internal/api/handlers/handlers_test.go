package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Wikid82/perimeter/internal/api/middleware"
	"github.com/Wikid82/perimeter/internal/cerberus"
	"github.com/Wikid82/perimeter/internal/config"
	"github.com/Wikid82/perimeter/internal/database"
	"github.com/Wikid82/perimeter/internal/services"
	"github.com/Wikid82/perimeter/internal/session"
)

// openTestDB creates a SQLite in-memory DB unique per test.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database.Models()...))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type testEnv struct {
	db            *gorm.DB
	engine        *cerberus.Engine
	events        *services.EventStore
	security      *services.SecurityService
	notifications *services.NotificationService
	router        *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{db: openTestDB(t)}
	cfg := config.DefaultPerimeterConfig()
	cfg.CheckTimeout = time.Second

	env.events = services.NewEventStore(env.db, services.EventStoreConfig{})
	sessions, err := session.NewManager(session.Config{
		MaxIdle:          cfg.MaxIdleTime,
		RotationInterval: cfg.TokenRotationInterval,
		MaxConcurrent:    cfg.MaxConcurrentSessions,
		Secret:           []byte("handler-test-secret"),
	})
	require.NoError(t, err)

	env.engine, err = cerberus.New(cfg, cerberus.Deps{Events: env.events, Sessions: sessions})
	require.NoError(t, err)
	env.security = services.NewSecurityService(env.db, "")
	env.notifications = services.NewNotificationService(env.db, nil)

	sec := NewSecurityHandler(env.engine, env.security)
	prov := NewNotificationProviderHandler(env.notifications)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ActorKey, "admin@test")
		c.Next()
	})
	r.GET("/health", HealthHandler(env.db))
	r.POST("/auth/session", sec.StartSession)
	s := r.Group("/security")
	s.GET("/analytics", sec.GetAnalytics)
	s.GET("/policy", sec.Policy)
	s.GET("/sessions", sec.ListSessions)
	s.POST("/sessions/:id/terminate", sec.TerminateSession)
	s.GET("/blocks", sec.ListBlocks)
	s.POST("/blocks", sec.CreateBlock)
	s.DELETE("/blocks/:key", sec.DeleteBlock)
	s.GET("/events", sec.ListEvents)
	s.GET("/alerts", sec.ListAlerts)
	s.GET("/alerts/:uuid/events", sec.GetAlertEvents)
	s.POST("/alerts/:uuid/ack", sec.AcknowledgeAlert)
	s.POST("/alerts/:uuid/resolve", sec.ResolveAlert)
	s.GET("/audits", sec.ListAudits)
	s.GET("/notifications/providers", prov.List)
	s.POST("/notifications/providers", prov.Create)
	s.POST("/notifications/providers/test", prov.Test)
	s.DELETE("/notifications/providers/:id", prov.Delete)
	env.router = r
	return env
}

func (env *testEnv) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, env.events.Flush(context.Background()))
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}
