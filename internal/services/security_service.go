package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Wikid82/perimeter/internal/models"
)

var (
	ErrAdminTokenNotConfigured = errors.New("admin token not configured")
	ErrAdminTokenInvalid       = errors.New("admin token invalid")
)

// SecurityService guards the admin surface: it verifies the admin token and
// keeps the audit trail of admin actions.
type SecurityService struct {
	db        *gorm.DB
	tokenHash string
}

// NewSecurityService returns a SecurityService using the provided DB and the
// bcrypt hash of the admin token. An empty hash disables admin access.
func NewSecurityService(db *gorm.DB, adminTokenHash string) *SecurityService {
	return &SecurityService{db: db, tokenHash: strings.TrimSpace(adminTokenHash)}
}

// GenerateAdminToken returns a random token and its bcrypt hash. Only the hash
// should be stored in configuration.
func GenerateAdminToken() (token, hash string, err error) {
	tokenBytes := make([]byte, 24)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(tokenBytes)

	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return token, string(h), nil
}

// VerifyAdminToken validates a provided token against the configured hash
func (s *SecurityService) VerifyAdminToken(token string) error {
	if s.tokenHash == "" {
		return ErrAdminTokenNotConfigured
	}
	if token == "" {
		return ErrAdminTokenInvalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)); err != nil {
		return ErrAdminTokenInvalid
	}
	return nil
}

// LogAudit stores an audit entry
func (s *SecurityService) LogAudit(a *models.SecurityAudit) error {
	if a == nil {
		return nil
	}
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return s.db.Create(a).Error
}

// ListAudits returns recent audit entries, ordered by created_at desc
func (s *SecurityService) ListAudits(limit int) ([]models.SecurityAudit, error) {
	var res []models.SecurityAudit
	q := s.db.Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}
