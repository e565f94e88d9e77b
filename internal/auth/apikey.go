package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/apperr"
	"github.com/HanTheDev/tryon-gateway/internal/db"
	"github.com/HanTheDev/tryon-gateway/internal/models"
	"go.uber.org/zap"
)

const (
	KeyPrefix    = "tryon_"
	randomLength = 24
	alphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// TenantLookup resolves a tenant from its API key. Implementations return
// db.ErrNotFound when no tenant holds the key.
type TenantLookup interface {
	GetTenantByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error)
}

type Authenticator struct {
	tenants TenantLookup
	logger  *zap.Logger
}

func NewAuthenticator(tenants TenantLookup, logger *zap.Logger) *Authenticator {
	return &Authenticator{tenants: tenants, logger: logger}
}

// Authenticate is read-only: it never touches usage counters.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (*models.Tenant, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperr.Auth(apperr.ReasonMissingKey)
	}

	tenant, err := a.tenants.GetTenantByAPIKey(ctx, apiKey)
	if errors.Is(err, db.ErrNotFound) {
		a.logger.Info("unknown api key", zap.String("api_key", MaskKey(apiKey)))
		return nil, apperr.Auth(apperr.ReasonInvalidKey)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if !tenant.Active {
		a.logger.Info("deactivated tenant rejected",
			zap.String("tenant_id", tenant.ID),
			zap.String("api_key", MaskKey(apiKey)),
		)
		return nil, apperr.Auth(apperr.ReasonDeactivated)
	}

	return tenant, nil
}

// GenerateAPIKey returns tryon_<base36 unix millis>_<24 random chars>.
// The random part carries about 124 bits from crypto/rand.
func GenerateAPIKey() (string, error) {
	var sb strings.Builder
	sb.WriteString(KeyPrefix)
	sb.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 36))
	sb.WriteByte('_')

	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < randomLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String(), nil
}

// MaskKey keeps enough of a key to correlate log lines.
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:10] + "…" + key[len(key)-4:]
}
