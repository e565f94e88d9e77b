// Package origin checks browser origins against a tenant's allowed domains.
package origin

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// DomainLister returns the configured allowed domains for a tenant.
type DomainLister interface {
	ListAllowedOrigins(ctx context.Context, tenantID string) ([]string, error)
}

type Guard struct {
	domains DomainLister
	logger  *zap.Logger
}

func NewGuard(domains DomainLister, logger *zap.Logger) *Guard {
	return &Guard{domains: domains, logger: logger}
}

// IsOriginAllowed permits calls without an Origin header and tenants with no
// configured domains. A lookup failure denies.
func (g *Guard) IsOriginAllowed(ctx context.Context, tenantID, origin string) bool {
	if strings.TrimSpace(origin) == "" {
		return true
	}

	domains, err := g.domains.ListAllowedOrigins(ctx, tenantID)
	if err != nil {
		g.logger.Error("allowed origin lookup failed, denying",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return false
	}

	return Matches(origin, domains)
}

// Matches reports whether origin equals one of domains or is a subdomain of
// one. An empty domain list matches everything.
func Matches(origin string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}

	host := Normalize(origin)
	if host == "" {
		return false
	}
	for _, d := range domains {
		domain := Normalize(d)
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// Normalize reduces an origin or configured domain to a lowercase host:
// scheme, port, path and trailing slashes are removed.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "//" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return strings.TrimRight(s, "/")
	}
	return strings.TrimSuffix(u.Hostname(), ".")
}

// SetCORSHeaders echoes an allowed origin back so browsers accept the
// response from the embedded widget.
func SetCORSHeaders(w http.ResponseWriter, origin string) {
	h := w.Header()
	if origin == "" {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	h.Set("Access-Control-Max-Age", "86400")
}
