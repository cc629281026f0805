package conversations

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/ids"
	"github.com/MarcoPoloResearchLab/bavard/internal/keylock"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew    = "conversations.service.new"
	opEnsure        = "conversations.ensure"
	opGet           = "conversations.get"
	opAppend        = "conversations.append"
	opHistory       = "conversations.history"
	opStream        = "conversations.stream"
	opPurge         = "conversations.purge"
	opMarkViewed    = "conversations.mark_viewed"
	opViewedBy      = "conversations.viewed_by"
	opCountFrom     = "conversations.count_from"
	opGetMessage    = "conversations.get_message"
	opListForMember = "conversations.list_for_member"

	fieldConversationID = "conversation_id"
	fieldMessageID      = "message_id"
	fieldUserID         = "user_id"

	queryConversationID    = "conversation_id = ?"
	queryMessageID         = "message_id = ?"
	queryAfterTimestamp    = "conversation_id = ? AND created_at_ms > ?"
	queryAfterSeq          = "conversation_id = ? AND seq > ? AND seq < ?"
	querySenderAfter       = "conversation_id = ? AND sender_id = ? AND created_at_ms > ?"
	queryViewerMessages    = "viewer_id = ? AND message_id IN ?"
	queryMemberParticipant = "participant_a = ? OR participant_b = ?"
	orderSeqAsc            = "seq ASC"
	orderLastMessageDesc   = "last_message_ms DESC"

	reasonMissingDatabase     = "missing_database"
	reasonInvalidParticipants = "invalid_participants"
	reasonInvalidPayload      = "invalid_payload"
	reasonConversationMissing = "conversation_missing"
	reasonNotParticipant      = "not_participant"
	reasonWriteFailed         = "write_failed"
	reasonQueryFailed         = "query_failed"
	reasonIDGenerationFailed  = "id_generation_failed"
	reasonDeleteFailed        = "delete_failed"
	reasonMessageMissing      = "message_missing"
	reasonInvalidMessageID    = "invalid_message_id"

	// DefaultPurgeBatchSize caps the messages removed by one Purge call.
	DefaultPurgeBatchSize = 500
	defaultHistoryLimit   = 200
	maxHistoryLimit       = 1000
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the conversation store.
type ServiceConfig struct {
	Database       *gorm.DB
	Publisher      realtime.Publisher
	Subscriber     realtime.Subscriber
	Clock          func() time.Time
	IDProvider     ids.Provider
	PurgeBatchSize int
	Logger         *zap.Logger
}

// Service is the durable, ordered message log per two-party conversation.
type Service struct {
	db             *gorm.DB
	publisher      realtime.Publisher
	subscriber     realtime.Subscriber
	clock          func() time.Time
	idProvider     ids.Provider
	purgeBatchSize int
	logger         *zap.Logger
	locks          *keylock.Locker
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
	batchSize := cfg.PurgeBatchSize
	if batchSize <= 0 {
		batchSize = DefaultPurgeBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:             cfg.Database,
		publisher:      cfg.Publisher,
		subscriber:     cfg.Subscriber,
		clock:          clock,
		idProvider:     idProvider,
		purgeBatchSize: batchSize,
		logger:         logger,
		locks:          keylock.New(),
	}, nil
}

// AppendRequest is the input of Append. Any client timestamp is deliberately absent:
// the store assigns the authoritative commit time.
type AppendRequest struct {
	ConversationID string
	SenderID       string
	Payload        Payload
	ViewOnce       bool
}

// PurgeResult reports one bounded purge pass.
type PurgeResult struct {
	Deleted  int  `json:"deleted"`
	Complete bool `json:"complete"`
}

// ViewResult reports the outcome of MarkViewed.
type ViewResult struct {
	Message Message
	// Eligible is false when the message is not view-once or the viewer is its sender.
	Eligible bool
	// FirstView is true only for the call that added the viewer to the set.
	FirstView bool
}

// PurgeNotice is the payload published when a conversation is purged.
type PurgeNotice struct {
	ConversationID string `json:"conversation_id"`
	RequestedBy    string `json:"requested_by"`
	Deleted        int    `json:"deleted"`
	Complete       bool   `json:"complete"`
}

// ViewNotice is the payload published when a view-once message is revealed.
type ViewNotice struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ViewerID       string `json:"viewer_id"`
}

// EnsureConversation returns the conversation of the pair, creating it on first access.
func (s *Service) EnsureConversation(ctx context.Context, firstUserID, secondUserID string) (Conversation, error) {
	if s.db == nil {
		return Conversation{}, apperrors.Transient(opEnsure, reasonMissingDatabase, errMissingDatabase)
	}
	conversationID, err := ConversationIDFor(firstUserID, secondUserID)
	if err != nil {
		return Conversation{}, apperrors.Invalid(opEnsure, reasonInvalidParticipants, err)
	}
	participantA, participantB := splitCanonicalPair(firstUserID, secondUserID)
	candidate := Conversation{
		ConversationID: conversationID,
		ParticipantA:   participantA,
		ParticipantB:   participantB,
		CreatedAtMs:    s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		s.logError(opEnsure, reasonWriteFailed, err, zap.String(fieldConversationID, conversationID))
		return Conversation{}, apperrors.Transient(opEnsure, reasonWriteFailed, err)
	}
	return s.GetConversation(ctx, conversationID)
}

// GetConversation loads a conversation by identifier.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if s.db == nil {
		return Conversation{}, apperrors.Transient(opGet, reasonMissingDatabase, errMissingDatabase)
	}
	var conversation Conversation
	err := s.db.WithContext(ctx).Where(queryConversationID, conversationID).Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, apperrors.NotFound(opGet, reasonConversationMissing, err)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return Conversation{}, apperrors.Transient(opGet, reasonQueryFailed, err)
	}
	return conversation, nil
}

// ListForMember returns conversations the user participates in, most recent first.
func (s *Service) ListForMember(ctx context.Context, userID string) ([]Conversation, error) {
	if s.db == nil {
		return nil, apperrors.Transient(opListForMember, reasonMissingDatabase, errMissingDatabase)
	}
	var conversations []Conversation
	if err := s.db.WithContext(ctx).
		Where(queryMemberParticipant, userID, userID).
		Order(orderLastMessageDesc).
		Find(&conversations).Error; err != nil {
		s.logError(opListForMember, reasonQueryFailed, err, zap.String(fieldUserID, userID))
		return nil, apperrors.Transient(opListForMember, reasonQueryFailed, err)
	}
	return conversations, nil
}

// Append commits a message and publishes it. Timestamps are strictly increasing
// within a conversation, and publication happens inside the same critical
// section as the commit so live delivery follows commit order.
//
// A transient error is ambiguous: the message may have been stored.
func (s *Service) Append(ctx context.Context, request AppendRequest) (Message, error) {
	if s.db == nil {
		s.logError(opAppend, reasonMissingDatabase, errMissingDatabase)
		return Message{}, apperrors.Transient(opAppend, reasonMissingDatabase, errMissingDatabase)
	}
	conversationID := strings.TrimSpace(request.ConversationID)
	senderID := strings.TrimSpace(request.SenderID)
	if conversationID == "" || senderID == "" {
		return Message{}, apperrors.Invalid(opAppend, reasonInvalidParticipants, ErrInvalidParticipant)
	}
	if err := request.Payload.validate(); err != nil {
		return Message{}, apperrors.Invalid(opAppend, reasonInvalidPayload, err)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var stored Message
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var conversation Conversation
		err := transaction.Where(queryConversationID, conversationID).Take(&conversation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound(opAppend, reasonConversationMissing, err)
		}
		if err != nil {
			return apperrors.Transient(opAppend, reasonQueryFailed, err)
		}
		if !conversation.HasParticipant(senderID) {
			return apperrors.Permission(opAppend, reasonNotParticipant, nil)
		}

		messageID, err := s.idProvider.NewID()
		if err != nil {
			return apperrors.New(apperrors.KindInternal, opAppend, reasonIDGenerationFailed, err)
		}
		createdAtMs := s.clock().UTC().UnixMilli()
		if createdAtMs <= conversation.LastMessageMs {
			createdAtMs = conversation.LastMessageMs + 1
		}
		stored = Message{
			MessageID:      messageID,
			ConversationID: conversationID,
			Seq:            conversation.LastSeq + 1,
			SenderID:       senderID,
			CreatedAtMs:    createdAtMs,
			Kind:           request.Payload.Kind,
			Text:           request.Payload.Text,
			MediaURL:       request.Payload.MediaURL,
			MediaAddress:   request.Payload.MediaAddress,
			FileName:       request.Payload.FileName,
			ViewOnce:       request.ViewOnce,
		}
		if err := transaction.Create(&stored).Error; err != nil {
			return apperrors.Transient(opAppend, reasonWriteFailed, err)
		}
		if err := transaction.Model(&Conversation{}).
			Where(queryConversationID, conversationID).
			Updates(map[string]any{"last_seq": stored.Seq, "last_message_ms": stored.CreatedAtMs}).Error; err != nil {
			return apperrors.Transient(opAppend, reasonWriteFailed, err)
		}
		return nil
	})
	if transactionError != nil {
		var coded *apperrors.Error
		if !errors.As(transactionError, &coded) {
			transactionError = apperrors.Transient(opAppend, reasonWriteFailed, transactionError)
		}
		s.logError(opAppend, apperrors.CodeOf(transactionError), transactionError,
			zap.String(fieldConversationID, conversationID))
		return Message{}, transactionError
	}

	s.publish(realtime.ConversationTopic(conversationID), realtime.EventMessageCreated, stored)
	return stored, nil
}

// History returns up to limit messages committed after afterMs, in commit order.
func (s *Service) History(ctx context.Context, conversationID string, afterMs int64, limit int) ([]Message, error) {
	if s.db == nil {
		return nil, apperrors.Transient(opHistory, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where(queryAfterTimestamp, conversationID, afterMs).
		Order(orderSeqAsc).
		Limit(limit).
		Find(&messages).Error; err != nil {
		s.logError(opHistory, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return nil, apperrors.Transient(opHistory, reasonQueryFailed, err)
	}
	return messages, nil
}

// Recent returns the newest limit messages in commit order.
func (s *Service) Recent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if s.db == nil {
		return nil, apperrors.Transient(opHistory, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where(queryConversationID, conversationID).
		Order("seq DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		s.logError(opHistory, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return nil, apperrors.Transient(opHistory, reasonQueryFailed, err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

func (s *Service) messagesBetweenSeq(ctx context.Context, conversationID string, afterSeq, beforeSeq int64) ([]Message, error) {
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where(queryAfterSeq, conversationID, afterSeq, beforeSeq).
		Order(orderSeqAsc).
		Find(&messages).Error; err != nil {
		s.logError(opStream, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return nil, apperrors.Transient(opStream, reasonQueryFailed, err)
	}
	return messages, nil
}

// lastSeqAtOrBefore finds the sequence number of the newest message not after afterMs.
func (s *Service) lastSeqAtOrBefore(ctx context.Context, conversationID string, afterMs int64) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Select("COALESCE(MAX(seq), 0)").
		Where("conversation_id = ? AND created_at_ms <= ?", conversationID, afterMs).
		Scan(&seq).Error
	if err != nil {
		s.logError(opStream, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return 0, apperrors.Transient(opStream, reasonQueryFailed, err)
	}
	return seq, nil
}

// Purge deletes at most one batch of the oldest messages. Complete is false when
// the batch cap was reached; the caller decides whether to reissue.
func (s *Service) Purge(ctx context.Context, conversationID, requestedBy string) (PurgeResult, error) {
	conversation, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return PurgeResult{}, err
	}
	if !conversation.HasParticipant(requestedBy) {
		return PurgeResult{}, apperrors.Permission(opPurge, reasonNotParticipant, nil)
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var messageIDs []string
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Model(&Message{}).
			Where(queryConversationID, conversationID).
			Order(orderSeqAsc).
			Limit(s.purgeBatchSize).
			Pluck(fieldMessageID, &messageIDs).Error; err != nil {
			return err
		}
		if len(messageIDs) == 0 {
			return nil
		}
		if err := transaction.Where("message_id IN ?", messageIDs).Delete(&MessageView{}).Error; err != nil {
			return err
		}
		return transaction.Where("message_id IN ?", messageIDs).Delete(&Message{}).Error
	})
	if transactionError != nil {
		s.logError(opPurge, reasonDeleteFailed, transactionError, zap.String(fieldConversationID, conversationID))
		return PurgeResult{}, apperrors.Transient(opPurge, reasonDeleteFailed, transactionError)
	}

	result := PurgeResult{Deleted: len(messageIDs), Complete: len(messageIDs) < s.purgeBatchSize}
	s.publish(realtime.ConversationTopic(conversationID), realtime.EventConversationPurged, PurgeNotice{
		ConversationID: conversationID,
		RequestedBy:    requestedBy,
		Deleted:        result.Deleted,
		Complete:       result.Complete,
	})
	return result, nil
}

// GetMessage loads one message.
func (s *Service) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if s.db == nil {
		return Message{}, apperrors.Transient(opGetMessage, reasonMissingDatabase, errMissingDatabase)
	}
	if strings.TrimSpace(messageID) == "" {
		return Message{}, apperrors.Invalid(opGetMessage, reasonInvalidMessageID, nil)
	}
	var message Message
	err := s.db.WithContext(ctx).Where(queryMessageID, messageID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, apperrors.NotFound(opGetMessage, reasonMessageMissing, err)
	}
	if err != nil {
		s.logError(opGetMessage, reasonQueryFailed, err, zap.String(fieldMessageID, messageID))
		return Message{}, apperrors.Transient(opGetMessage, reasonQueryFailed, err)
	}
	return message, nil
}

// MarkViewed adds viewerID to the viewer set of a view-once message when the
// viewer is a participant other than the sender. Repeated calls are no-ops.
func (s *Service) MarkViewed(ctx context.Context, messageID, viewerID string) (ViewResult, error) {
	message, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return ViewResult{}, err
	}
	conversation, err := s.GetConversation(ctx, message.ConversationID)
	if err != nil {
		return ViewResult{}, err
	}
	if !conversation.HasParticipant(viewerID) {
		return ViewResult{}, apperrors.Permission(opMarkViewed, reasonNotParticipant, nil)
	}
	if !message.ViewOnce || viewerID == message.SenderID {
		return ViewResult{Message: message}, nil
	}

	record := MessageView{MessageID: messageID, ViewerID: viewerID, ViewedAtMs: s.clock().UTC().UnixMilli()}
	createResult := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if createResult.Error != nil {
		s.logError(opMarkViewed, reasonWriteFailed, createResult.Error,
			zap.String(fieldMessageID, messageID), zap.String(fieldUserID, viewerID))
		return ViewResult{}, apperrors.Transient(opMarkViewed, reasonWriteFailed, createResult.Error)
	}
	firstView := createResult.RowsAffected == 1
	if firstView {
		s.publish(realtime.ConversationTopic(message.ConversationID), realtime.EventMessageViewed, ViewNotice{
			ConversationID: message.ConversationID,
			MessageID:      messageID,
			ViewerID:       viewerID,
		})
	}
	return ViewResult{Message: message, Eligible: true, FirstView: firstView}, nil
}

// ViewedBy reports which of messageIDs viewerID has already revealed.
func (s *Service) ViewedBy(ctx context.Context, viewerID string, messageIDs []string) (map[string]bool, error) {
	viewed := make(map[string]bool, len(messageIDs))
	if len(messageIDs) == 0 {
		return viewed, nil
	}
	if s.db == nil {
		return nil, apperrors.Transient(opViewedBy, reasonMissingDatabase, errMissingDatabase)
	}
	var records []MessageView
	if err := s.db.WithContext(ctx).Where(queryViewerMessages, viewerID, messageIDs).Find(&records).Error; err != nil {
		s.logError(opViewedBy, reasonQueryFailed, err, zap.String(fieldUserID, viewerID))
		return nil, apperrors.Transient(opViewedBy, reasonQueryFailed, err)
	}
	for _, record := range records {
		viewed[record.MessageID] = true
	}
	return viewed, nil
}

// Present renders messages for one viewer, redacting view-once content.
func (s *Service) Present(ctx context.Context, viewerID string, messages []Message) ([]PresentedMessage, error) {
	viewOnceIDs := make([]string, 0)
	for _, message := range messages {
		if message.ViewOnce && message.SenderID != viewerID {
			viewOnceIDs = append(viewOnceIDs, message.MessageID)
		}
	}
	viewed, err := s.ViewedBy(ctx, viewerID, viewOnceIDs)
	if err != nil {
		return nil, err
	}
	presented := make([]PresentedMessage, 0, len(messages))
	for _, message := range messages {
		presented = append(presented, message.PresentFor(viewerID, viewed[message.MessageID]))
	}
	return presented, nil
}

// CountFrom counts messages authored by senderID committed after afterMs.
func (s *Service) CountFrom(ctx context.Context, conversationID, senderID string, afterMs int64) (int64, error) {
	if s.db == nil {
		return 0, apperrors.Transient(opCountFrom, reasonMissingDatabase, errMissingDatabase)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where(querySenderAfter, conversationID, senderID, afterMs).
		Count(&count).Error; err != nil {
		s.logError(opCountFrom, reasonQueryFailed, err, zap.String(fieldConversationID, conversationID))
		return 0, apperrors.Transient(opCountFrom, reasonQueryFailed, err)
	}
	return count, nil
}

func (s *Service) publish(topic, kind string, payload any) {
	if s.publisher == nil {
		return
	}
	event, err := realtime.NewEvent(topic, kind, payload, s.clock())
	if err != nil {
		s.logError(kind, "event_encode_failed", err, zap.String("topic", topic))
		return
	}
	s.publisher.Publish(event)
}

func splitCanonicalPair(firstUserID, secondUserID string) (string, string) {
	first := strings.TrimSpace(firstUserID)
	second := strings.TrimSpace(secondUserID)
	if second < first {
		return second, first
	}
	return first, second
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("conversations service error", attrs...)
}
