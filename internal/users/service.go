package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opLookup      = "users.lookup"
	opProfile     = "users.profile"
	opResolve     = "users.resolve"
	reasonUnknown = "unknown_user"
	reasonQuery   = "query_failed"
	reasonInvalid = "invalid_identifier"
	reasonUpdate  = "update_failed"
	reasonReserve = "reserved_identity"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrReservedIdentity indicates the claims resolve to a system identity.
	ErrReservedIdentity = errors.New("users: reserved identity")
)

// ServiceConfig describes the dependencies required for user identity resolution.
// ReservedUserIDs are canonical ids no provider login may resolve to.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	ReservedUserIDs []string
	Logger          *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	reserved map[string]struct{}
	logger   *zap.Logger
	cache    sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
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
	reserved := make(map[string]struct{}, len(cfg.ReservedUserIDs))
	for _, userID := range cfg.ReservedUserIDs {
		if trimmed := normalize(userID); trimmed != "" {
			reserved[trimmed] = struct{}{}
		}
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		reserved: reserved,
		logger:   logger,
		cache:    sync.Map{},
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	if _, reserved := s.reserved[subject]; reserved {
		return "", apperrors.Permission(opResolve, reasonReserve, ErrReservedIdentity)
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       strings.ToLower(normalize(claims.UserEmail)),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", apperrors.Storage(opResolve, reasonQuery, err)
		}
	} else if err != nil {
		return "", apperrors.Storage(opResolve, reasonQuery, err)
	} else {
		updates := map[string]interface{}{}
		if email := strings.ToLower(normalize(claims.UserEmail)); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		updates["last_seen_at"] = s.now()
		err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
		if err != nil {
			s.logger.Warn("identity update failed",
				zap.String("operation", opResolve),
				zap.String("reason", reasonUpdate),
				zap.String("provider", provider),
				zap.String("user_id", identity.UserID),
				zap.Error(err),
			)
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// Lookup resolves an identifier typed by a user (canonical id or email) to a profile.
func (s *Service) Lookup(ctx context.Context, identifier string) (Profile, error) {
	value := normalize(identifier)
	if value == "" {
		return Profile{}, apperrors.Invalid(opLookup, reasonInvalid, ErrInvalidIdentity)
	}
	query := s.db.WithContext(ctx).Where("user_id = ?", value)
	if strings.Contains(value, "@") {
		query = s.db.WithContext(ctx).Where("user_email = ?", strings.ToLower(value))
	}
	var identity Identity
	err := query.Order("updated_at DESC").First(&identity).Error
	if err != nil {
		return Profile{}, apperrors.Storage(opLookup, reasonUnknown, err)
	}
	return identity.profile(), nil
}

// Profile loads the profile of a canonical user id.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Order("updated_at DESC").First(&identity).Error
	if err != nil {
		return Profile{}, apperrors.Storage(opProfile, reasonUnknown, err)
	}
	return identity.profile(), nil
}

// DisplayName returns the name shown for userID, falling back to the id itself.
func (s *Service) DisplayName(ctx context.Context, userID string) string {
	profile, err := s.Profile(ctx, userID)
	if err != nil {
		return userID
	}
	return profile.DisplayName
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
