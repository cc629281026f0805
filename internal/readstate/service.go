// Package readstate tracks per-user read watermarks and derives unread counts from them.
package readstate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew  = "readstate.service.new"
	opGet         = "readstate.get_watermark"
	opTouch       = "readstate.touch"
	opAdvance     = "readstate.advance_watermark"
	opCountUnread = "readstate.count_unread"

	reasonMissingDatabase = "missing_database"
	reasonMissingCounter  = "missing_counter"
	reasonInvalidInput    = "invalid_input"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"

	queryOwnerConversation = "user_id = ? AND conversation_id = ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingCounter  = errors.New("message counter is required")
	errInvalidKey      = errors.New("user and conversation are required")
)

// Watermark means "userID has seen every counterpart message up to LastReadMs".
type Watermark struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	ConversationID string `gorm:"column:conversation_id;primaryKey;size:400;not null" json:"conversation_id"`
	LastReadMs     int64  `gorm:"column:last_read_ms;not null;default:0" json:"last_read_ms"`
	UpdatedAtMs    int64  `gorm:"column:updated_at_ms;not null" json:"updated_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Watermark) TableName() string {
	return "read_watermarks"
}

// MessageCounter counts messages of one author after a timestamp.
type MessageCounter interface {
	CountFrom(ctx context.Context, conversationID, senderID string, afterMs int64) (int64, error)
}

// ServiceConfig describes the dependencies of the read tracker.
type ServiceConfig struct {
	Database  *gorm.DB
	Counter   MessageCounter
	Publisher realtime.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service owns read watermarks.
type Service struct {
	db        *gorm.DB
	counter   MessageCounter
	publisher realtime.Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Transient(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Counter == nil {
		return nil, apperrors.Invalid(opServiceNew, reasonMissingCounter, errMissingCounter)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		counter:   cfg.Counter,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// WatermarkNotice is published when a watermark moves forward.
type WatermarkNotice struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	LastReadMs     int64  `json:"last_read_ms"`
}

// GetWatermark returns the stored watermark; found is false before first access.
func (s *Service) GetWatermark(ctx context.Context, userID, conversationID string) (int64, bool, error) {
	if err := validateKey(opGet, userID, conversationID); err != nil {
		return 0, false, err
	}
	var watermark Watermark
	err := s.db.WithContext(ctx).Where(queryOwnerConversation, userID, conversationID).Take(&watermark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, userID, conversationID)
		return 0, false, apperrors.Transient(opGet, reasonQueryFailed, err)
	}
	return watermark.LastReadMs, true, nil
}

// Touch creates an empty watermark on first conversation access.
func (s *Service) Touch(ctx context.Context, userID, conversationID string) error {
	if err := validateKey(opTouch, userID, conversationID); err != nil {
		return err
	}
	record := Watermark{
		UserID:         userID,
		ConversationID: conversationID,
		UpdatedAtMs:    s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		s.logError(opTouch, reasonWriteFailed, err, userID, conversationID)
		return apperrors.Transient(opTouch, reasonWriteFailed, err)
	}
	return nil
}

// AdvanceWatermark moves the watermark forward to timestampMs. Values at or below
// the stored watermark are ignored and reported as advanced=false.
func (s *Service) AdvanceWatermark(ctx context.Context, userID, conversationID string, timestampMs int64) (bool, error) {
	if err := validateKey(opAdvance, userID, conversationID); err != nil {
		return false, err
	}
	if err := s.Touch(ctx, userID, conversationID); err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).Model(&Watermark{}).
		Where(queryOwnerConversation+" AND last_read_ms < ?", userID, conversationID, timestampMs).
		Updates(map[string]any{"last_read_ms": timestampMs, "updated_at_ms": s.clock().UTC().UnixMilli()})
	if result.Error != nil {
		s.logError(opAdvance, reasonWriteFailed, result.Error, userID, conversationID)
		return false, apperrors.Transient(opAdvance, reasonWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	s.publish(userID, conversationID, timestampMs)
	return true, nil
}

// CountUnread counts counterpart messages newer than the user's watermark. The
// count is always recomputed from the log; nothing is cached.
func (s *Service) CountUnread(ctx context.Context, userID, conversationID, counterpartID string) (int64, error) {
	if strings.TrimSpace(counterpartID) == "" {
		return 0, apperrors.Invalid(opCountUnread, reasonInvalidInput, errInvalidKey)
	}
	watermark, _, err := s.GetWatermark(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}
	count, err := s.counter.CountFrom(ctx, conversationID, counterpartID, watermark)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Service) publish(userID, conversationID string, timestampMs int64) {
	if s.publisher == nil {
		return
	}
	event, err := realtime.NewEvent(realtime.WatermarkTopic(userID, conversationID), realtime.EventWatermarkAdvanced, WatermarkNotice{
		UserID:         userID,
		ConversationID: conversationID,
		LastReadMs:     timestampMs,
	}, s.clock())
	if err != nil {
		s.logError(opAdvance, "event_encode_failed", err, userID, conversationID)
		return
	}
	s.publisher.Publish(event)
}

func validateKey(operation, userID, conversationID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return apperrors.Invalid(operation, reasonInvalidInput, errInvalidKey)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, userID, conversationID string) {
	s.logger.Error("readstate service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", userID),
		zap.String("conversation_id", conversationID),
		zap.Error(err),
	)
}
