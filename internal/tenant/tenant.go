// Package tenant loads restaurant settings for the call path and decides
// whether a tenant may currently receive calls.
//
// Reads for the dialogue go through an injected [Cache]. Access checks
// (subscription state, monthly quota) always read the datastore directly.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/hostline/internal/store"
)

// Access is the outcome of [Service.CheckAccess].
type Access int

const (
	AccessAllowed Access = iota
	AccessInactive
	AccessQuotaExceeded
)

// String implements fmt.Stringer.
func (a Access) String() string {
	switch a {
	case AccessAllowed:
		return "allowed"
	case AccessInactive:
		return "inactive"
	case AccessQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

// Service reads tenant settings. It is safe for concurrent use.
type Service struct {
	store store.Store
	cache Cache
	group singleflight.Group
	loc   *time.Location
}

// NewService creates a Service. loc is the fallback time zone for tenants
// without one.
func NewService(st store.Store, cache Cache, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: st, cache: cache, loc: loc}
}

// Settings returns the settings of tenantID, from the cache when possible.
// Cache failures fall through to the datastore.
func (s *Service) Settings(ctx context.Context, tenantID string) (*store.TenantSettings, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, tenantID)
		if err != nil {
			slog.Warn("tenant: cache read failed", "tenant_id", tenantID, "err", err)
		}
		if ok {
			return cached, nil
		}
	}

	v, err, _ := s.group.Do(tenantID, func() (any, error) {
		return s.load(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	t := *v.(*store.TenantSettings)
	return &t, nil
}

// SettingsFresh reads tenantID from the datastore, bypassing the cache, and
// refreshes the cached copy.
func (s *Service) SettingsFresh(ctx context.Context, tenantID string) (*store.TenantSettings, error) {
	return s.load(ctx, tenantID)
}

func (s *Service) load(ctx context.Context, tenantID string) (*store.TenantSettings, error) {
	t, err := s.store.TenantSettings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant: load %q: %w", tenantID, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, t); err != nil {
			slog.Warn("tenant: cache write failed", "tenant_id", tenantID, "err", err)
		}
	}
	return t, nil
}

// Resolve returns the tenant id for an inbound call: explicit when given,
// otherwise looked up by the dialed number.
func (s *Service) Resolve(ctx context.Context, explicitID, dialed string) (string, error) {
	if explicitID != "" {
		return explicitID, nil
	}
	id, err := s.store.TenantByNumber(ctx, dialed)
	if err != nil {
		return "", fmt.Errorf("tenant: resolve %q: %w", dialed, err)
	}
	return id, nil
}

// CheckAccess reports whether tenantID may receive a call at now. It never
// uses cached data. A zero quota means unlimited calls.
func (s *Service) CheckAccess(ctx context.Context, tenantID string, now time.Time) (*store.TenantSettings, Access, error) {
	t, err := s.SettingsFresh(ctx, tenantID)
	if err != nil {
		return nil, AccessAllowed, err
	}
	if !t.Active() {
		return t, AccessInactive, nil
	}
	if t.MonthlyCallQuota > 0 {
		since := store.MonthStart(now.In(t.Location(s.loc)))
		n, err := s.store.CountCalls(ctx, tenantID, since)
		if err != nil {
			return t, AccessAllowed, fmt.Errorf("tenant: count calls: %w", err)
		}
		if n >= t.MonthlyCallQuota {
			return t, AccessQuotaExceeded, nil
		}
	}
	return t, AccessAllowed, nil
}

// Location returns the effective time zone of t.
func (s *Service) Location(t *store.TenantSettings) *time.Location {
	return t.Location(s.loc)
}
