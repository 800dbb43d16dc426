package services

import (
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/containrrr/shoutrrr"
	"gorm.io/gorm"

	"github.com/Wikid82/perimeter/internal/logger"
	"github.com/Wikid82/perimeter/internal/models"
	"github.com/Wikid82/perimeter/internal/util"
)

var (
	ErrProviderNotFound = errors.New("notification provider not found")
	ErrInvalidSeverity  = errors.New("unknown alert severity")
)

// NotificationService fans security alerts out to shoutrrr destinations: the
// providers stored in the database plus any URLs from configuration.
type NotificationService struct {
	DB *gorm.DB
	// URLs always receive alerts at or above StaticMinSeverity.
	URLs              []string
	StaticMinSeverity models.AlertSeverity

	send func(url, msg string) error
	wg   sync.WaitGroup
}

func NewNotificationService(db *gorm.DB, urls []string) *NotificationService {
	return &NotificationService{
		DB:                db,
		URLs:              urls,
		StaticMinSeverity: models.SeverityHigh,
		send:              func(url, msg string) error { return shoutrrr.Send(url, msg) },
	}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

func normalizeURL(serviceType, rawURL string) string {
	if serviceType == "discord" {
		matches := discordWebhookRegex.FindStringSubmatch(rawURL)
		if len(matches) == 3 {
			id := matches[1]
			token := matches[2]
			return fmt.Sprintf("discord://%s@%s", token, id)
		}
	}
	return rawURL
}

type destination struct {
	name string
	url  string
}

// SendAlert dispatches the alert to every destination accepting its severity.
// Delivery runs in the background; Wait blocks until it finishes.
func (s *NotificationService) SendAlert(alert models.SecurityAlert) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(alert)
	}()
}

func (s *NotificationService) dispatch(alert models.SecurityAlert) {
	log := logger.Component("notifications")

	var dests []destination
	if alert.Severity.Rank() >= s.StaticMinSeverity.Rank() {
		for i, u := range s.URLs {
			dests = append(dests, destination{name: fmt.Sprintf("config[%d]", i), url: u})
		}
	}
	if s.DB != nil {
		var providers []models.NotificationProvider
		if err := s.DB.Where("enabled = ?", true).Find(&providers).Error; err != nil {
			log.WithError(err).Warn("failed to fetch notification providers")
		}
		for _, p := range providers {
			if p.Accepts(alert.Severity) {
				dests = append(dests, destination{name: p.Name, url: normalizeURL(p.Type, p.URL)})
			}
		}
	}

	msg := fmt.Sprintf("[%s] %s\n\n%s\nkey: %s\nevents: %d",
		strings.ToUpper(string(alert.Severity)), alert.Title, alert.Details,
		util.SanitizeForLog(alert.IdentityKey), alert.EventCount)

	for _, d := range dests {
		// Validate HTTP/HTTPS destinations used by shoutrrr to reduce SSRF risk
		if strings.HasPrefix(d.url, "http://") || strings.HasPrefix(d.url, "https://") {
			if _, err := validateWebhookURL(d.url); err != nil {
				log.WithField("provider", d.name).Warn("skipping notification due to invalid destination")
				continue
			}
		}
		if err := s.send(d.url, msg); err != nil {
			log.WithError(err).WithField("provider", d.name).Warn("failed to send notification")
		}
	}
}

// Wait blocks until in-flight notifications have been delivered or failed.
func (s *NotificationService) Wait() { s.wg.Wait() }

// TestProvider sends a synchronous test message through provider.
func (s *NotificationService) TestProvider(provider models.NotificationProvider) error {
	url := normalizeURL(provider.Type, provider.URL)
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		if _, err := validateWebhookURL(url); err != nil {
			return err
		}
	}
	return s.send(url, "Test notification from the request perimeter")
}

func (s *NotificationService) ListProviders() ([]models.NotificationProvider, error) {
	var providers []models.NotificationProvider
	result := s.DB.Order("name").Find(&providers)
	return providers, result.Error
}

func (s *NotificationService) CreateProvider(provider *models.NotificationProvider) error {
	if provider.MinSeverity != "" && provider.MinSeverity.Rank() == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, provider.MinSeverity)
	}
	return s.DB.Create(provider).Error
}

func (s *NotificationService) DeleteProvider(id string) error {
	res := s.DB.Delete(&models.NotificationProvider{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProviderNotFound
	}
	return nil
}

// isPrivateIP returns true for RFC1918, loopback and link-local addresses.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		}
		return false
	}

	// IPv6 unique local addresses fc00::/7
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}

// validateWebhookURL parses and validates webhook URLs and ensures
// the resolved addresses are not private/local.
func validateWebhookURL(raw string) (*neturl.URL, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}

	// Allow explicit loopback/localhost addresses for local tests.
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return u, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("disallowed host IP: %s", ip.String())
		}
	}
	return u, nil
}
