package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// DirectoryConfig describes the dependencies of a Directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Directory resolves session claims into canonical collaborator profiles.
type Directory struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewDirectory constructs a Directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: cfg.Database, now: clock, logger: logger}, nil
}

// Resolve returns the canonical profile for claims, recording the identity the
// first time it is seen and refreshing its details afterwards. A user_id of
// the form "provider:subject" is reduced to its subject.
func (d *Directory) Resolve(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	incoming := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  d.now().UTC(),
	}
	if cached, ok := d.cache.Load(cacheKey); ok {
		if profile, ok := cached.(Profile); ok && (incoming.DisplayName == "" || incoming.DisplayName == profile.DisplayName) {
			return profile, nil
		}
	}

	var identity Identity
	err := d.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = incoming
		if err := d.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Profile{}, err
		}
	case err != nil:
		return Profile{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": incoming.LastSeenAt}
		if incoming.Email != "" && incoming.Email != identity.Email {
			updates["user_email"] = incoming.Email
			identity.Email = incoming.Email
		}
		if incoming.DisplayName != "" && incoming.DisplayName != identity.DisplayName {
			updates["user_display_name"] = incoming.DisplayName
			identity.DisplayName = incoming.DisplayName
		}
		if err := d.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).Error; err != nil {
			d.logger.Warn("identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}

	profile := Profile{UserID: identity.UserID, DisplayName: displayNameFor(identity)}
	d.cache.Store(cacheKey, profile)
	return profile, nil
}

// Lookup returns the stored profile of a canonical user id.
func (d *Directory) Lookup(ctx context.Context, userID string) (Profile, bool, error) {
	var identity Identity
	err := d.db.WithContext(ctx).
		Where("user_id = ?", normalize(userID)).
		Order("updated_at DESC").
		Take(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	return Profile{UserID: identity.UserID, DisplayName: displayNameFor(identity)}, true, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	raw := normalize(claims.UserID)
	if raw == "" {
		raw = normalize(claims.Subject)
	}
	if provider, subject, found := strings.Cut(raw, ":"); found {
		provider, subject = normalize(provider), normalize(subject)
		if provider != "" && subject != "" {
			return provider, subject
		}
	}
	return defaultProvider, raw
}
