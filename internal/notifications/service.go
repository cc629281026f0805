// Package notifications is the durable per-recipient inbox of new-message events.
package notifications

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/ids"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "notifications.service.new"
	opRecord     = "notifications.record"
	opListRecent = "notifications.list_recent"
	opListUnread = "notifications.list_unread"
	opMarkRead   = "notifications.mark_read"
	opClear      = "notifications.clear"

	reasonMissingDatabase    = "missing_database"
	reasonInvalidInput       = "invalid_input"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonWriteFailed        = "write_failed"
	reasonQueryFailed        = "query_failed"

	defaultListLimit = 50
	maxListLimit     = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errInvalidInput    = errors.New("recipient, sender and conversation are required")
)

// ServiceConfig describes the dependencies of the ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	Publisher  realtime.Publisher
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service records and serves notifications.
type Service struct {
	db         *gorm.DB
	publisher  realtime.Publisher
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Transient(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		publisher:  cfg.Publisher,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Record appends a new-message notification for recipientID and pushes it live.
func (s *Service) Record(ctx context.Context, recipientID, senderID, senderDisplayName, conversationID string) (Notification, error) {
	recipientID = strings.TrimSpace(recipientID)
	senderID = strings.TrimSpace(senderID)
	if recipientID == "" || senderID == "" || strings.TrimSpace(conversationID) == "" {
		return Notification{}, apperrors.Invalid(opRecord, reasonInvalidInput, errInvalidInput)
	}
	notificationID, err := s.idProvider.NewID()
	if err != nil {
		return Notification{}, apperrors.New(apperrors.KindInternal, opRecord, reasonIDGenerationFailed, err)
	}
	display := strings.TrimSpace(senderDisplayName)
	if display == "" {
		display = senderID
	}
	notification := Notification{
		NotificationID:    notificationID,
		RecipientID:       recipientID,
		Kind:              KindNewMessage,
		SenderID:          senderID,
		SenderDisplayName: display,
		ConversationID:    conversationID,
		CreatedAtMs:       s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logError(opRecord, reasonWriteFailed, err, recipientID)
		return Notification{}, apperrors.Transient(opRecord, reasonWriteFailed, err)
	}

	if s.publisher != nil {
		event, err := realtime.NewEvent(realtime.NotificationTopic(recipientID), realtime.EventNotificationCreated, notification, s.clock())
		if err == nil {
			s.publisher.Publish(event)
		}
	}
	return notification, nil
}

// ListRecent returns the recipient's notifications, newest first.
func (s *Service) ListRecent(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	return s.list(ctx, opListRecent, recipientID, limit, false)
}

// ListUnread returns the recipient's unread notifications, newest first.
func (s *Service) ListUnread(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	return s.list(ctx, opListUnread, recipientID, limit, true)
}

func (s *Service) list(ctx context.Context, operation, recipientID string, limit int, unreadOnly bool) ([]Notification, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, apperrors.Invalid(operation, reasonInvalidInput, errInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := s.db.WithContext(ctx).Where("recipient_id = ?", recipientID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	var notifications []Notification
	if err := query.Order("created_at_ms DESC").Order("notification_id DESC").Limit(limit).Find(&notifications).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, recipientID)
		return nil, apperrors.Transient(operation, reasonQueryFailed, err)
	}
	return notifications, nil
}

// MarkRead flips the read flag of the given notifications owned by recipientID.
// Identifiers owned by someone else, unknown, or already read are skipped.
func (s *Service) MarkRead(ctx context.Context, recipientID string, notificationIDs []string) (int64, error) {
	if strings.TrimSpace(recipientID) == "" {
		return 0, apperrors.Invalid(opMarkRead, reasonInvalidInput, errInvalidInput)
	}
	if len(notificationIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("recipient_id = ? AND notification_id IN ? AND is_read = ?", recipientID, notificationIDs, false).
		Update("is_read", true)
	if result.Error != nil {
		s.logError(opMarkRead, reasonWriteFailed, result.Error, recipientID)
		return 0, apperrors.Transient(opMarkRead, reasonWriteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// Clear removes every notification of recipientID.
func (s *Service) Clear(ctx context.Context, recipientID string) (int64, error) {
	if strings.TrimSpace(recipientID) == "" {
		return 0, apperrors.Invalid(opClear, reasonInvalidInput, errInvalidInput)
	}
	result := s.db.WithContext(ctx).Where("recipient_id = ?", recipientID).Delete(&Notification{})
	if result.Error != nil {
		s.logError(opClear, reasonWriteFailed, result.Error, recipientID)
		return 0, apperrors.Transient(opClear, reasonWriteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) logError(operation, reason string, err error, recipientID string) {
	s.logger.Error("notifications service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("recipient_id", recipientID),
		zap.Error(err),
	)
}
