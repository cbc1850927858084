package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// TenantStore abstracts DB queries for testability.
type TenantStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*TenantRow, error)
}

// TenantRow is the credential row of a tenant.
type TenantRow struct {
	TenantID   string
	Name       string
	Status     string
	APIKeyHash string
}

// sqlTenantStore is the real implementation using *sql.DB.
type sqlTenantStore struct {
	db *sql.DB
}

func (s *sqlTenantStore) LookupByPrefix(ctx context.Context, prefix string) (*TenantRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, status, api_key_hash
		FROM tenants
		WHERE api_key_prefix = $1
	`, prefix)

	var (
		r    TenantRow
		hash sql.NullString
	)
	if err := row.Scan(&r.TenantID, &r.Name, &r.Status, &hash); err != nil {
		return nil, err
	}
	r.APIKeyHash = hash.String
	return &r, nil
}

// PostgresAuthenticator validates API keys against the tenants table.
// It never fails open: a request whose
// tenant cannot be established is rejected.
type PostgresAuthenticator struct {
	store  TenantStore
	cache  *KeyCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlTenantStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store TenantStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewKeyCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*TenantContext, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	cached := a.cache.Lookup(token)
	if cached.Found {
		if cached.Revalidate {
			go a.refreshInBackground(token, cached.Tenant.TenantID)
		}
		return cached.Tenant, nil
	}

	tenant, err := a.authenticateFromDB(ctx, token)
	var inactive *inactiveTenantError
	if errors.As(err, &inactive) {
		a.evictTenant(inactive.tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Put(token, tenant)
	return tenant, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*TenantContext, error) {
	row, err := a.store.LookupByPrefix(ctx, token[:prefixLen])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}

	if row.APIKeyHash == "" {
		return nil, ErrUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}
	if row.Status != "ACTIVE" {
		return nil, &inactiveTenantError{tenantID: row.TenantID}
	}

	return &TenantContext{TenantID: row.TenantID, Name: row.Name}, nil
}

// refreshInBackground revalidates a stale entry of tenantID. A revoked key
// is forgotten and a suspended tenant loses every cached key. A store
// failure keeps serving the stale entry.
func (a *PostgresAuthenticator) refreshInBackground(token, tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tenant, err := a.authenticateFromDB(ctx, token)
	switch {
	case errors.Is(err, ErrInactiveTenant):
		a.evictTenant(tenantID)
	case errors.Is(err, ErrUnauthenticated):
		a.cache.Forget(token)
	case err != nil:
		a.logger.Warn("background auth refresh failed", zap.String("tenant_id", tenantID), zap.Error(err))
		a.cache.Release(token)
	default:
		a.cache.Put(token, tenant)
	}
}

func (a *PostgresAuthenticator) evictTenant(tenantID string) {
	if n := a.cache.EvictTenant(tenantID); n > 0 {
		a.logger.Info("evicted cached keys of inactive tenant",
			zap.String("tenant_id", tenantID),
			zap.Int("keys", n),
		)
	}
}

// inactiveTenantError is ErrInactiveTenant for a known tenant.
type inactiveTenantError struct {
	tenantID string
}

func (e *inactiveTenantError) Error() string { return ErrInactiveTenant.Error() }

func (e *inactiveTenantError) Unwrap() error { return ErrInactiveTenant }
