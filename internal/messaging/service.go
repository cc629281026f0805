// Package messaging composes the stores into the user-facing send, open and
// reveal flows.
package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	"github.com/MarcoPoloResearchLab/bavard/internal/media"
	"github.com/MarcoPoloResearchLab/bavard/internal/notifications"
	"github.com/MarcoPoloResearchLab/bavard/internal/readstate"
	"go.uber.org/zap"
)

const (
	opServiceNew = "messaging.service.new"
	opSend       = "messaging.send"
	opAttach     = "messaging.send_attachment"
	opOpen       = "messaging.open"
	opMarkRead   = "messaging.mark_read"
	opHistory    = "messaging.history"
	opReveal     = "messaging.reveal"
	opBroadcast  = "messaging.broadcast"
	opPurge      = "messaging.purge"
	opUnread     = "messaging.unread"

	reasonMissingDependency = "missing_dependency"
	reasonInvalidInput      = "invalid_input"
	reasonBroadcastPeer     = "broadcast_recipient"
	reasonReservedSender    = "reserved_sender"
	reasonNotConnected      = "not_connected"
	reasonMissingGateway    = "missing_gateway"

	defaultOpenHistory = 200
)

var (
	errMissingDependency = errors.New("conversations, read state, notifications, contacts and directory are required")
	errInvalidInput      = errors.New("sender and recipient are required and must differ")
	errBroadcastPeer     = errors.New("the broadcast peer cannot receive messages")
	errReservedSender    = errors.New("reserved peers cannot send through this path")
	errNotConnected      = errors.New("users are not contacts")
	errMissingGateway    = errors.New("media gateway is not configured")
)

// Replier produces the assistant's answer to a message addressed to it.
type Replier interface {
	Respond(ctx context.Context, trigger conversations.Message) (conversations.Message, error)
}

// ServiceConfig wires the orchestration layer.
type ServiceConfig struct {
	Conversations *conversations.Service
	ReadState     *readstate.Service
	Notifications *notifications.Service
	Contacts      *contacts.Service
	Directory     contacts.Directory
	Gateway       media.Gateway
	Replier       Replier
	Logger        *zap.Logger
}

// Service runs send, open and reveal against the stores.
type Service struct {
	conversations *conversations.Service
	readState     *readstate.Service
	notifications *notifications.Service
	contacts      *contacts.Service
	directory     contacts.Directory
	gateway       media.Gateway
	replier       Replier
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Conversations == nil || cfg.ReadState == nil || cfg.Notifications == nil || cfg.Contacts == nil || cfg.Directory == nil {
		return nil, apperrors.Invalid(opServiceNew, reasonMissingDependency, errMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		conversations: cfg.Conversations,
		readState:     cfg.ReadState,
		notifications: cfg.Notifications,
		contacts:      cfg.Contacts,
		directory:     cfg.Directory,
		gateway:       cfg.Gateway,
		replier:       cfg.Replier,
		logger:        logger,
	}, nil
}

// SendRequest is a message typed by a user.
type SendRequest struct {
	SenderID    string
	RecipientID string
	Payload     conversations.Payload
	ViewOnce    bool
}

// AttachmentRequest is a file picked by a user. The bytes are stored before the
// message is appended.
type AttachmentRequest struct {
	SenderID    string
	RecipientID string
	Kind        conversations.PayloadKind
	Data        []byte
	FileName    string
	Caption     string
	ViewOnce    bool
}

// SendResult carries the committed message and, for the assistant peer, its reply,
// both presented to the sender.
type SendResult struct {
	Message conversations.PresentedMessage  `json:"message"`
	Reply   *conversations.PresentedMessage `json:"reply,omitempty"`
}

// OpenResult is what a user sees when opening a conversation.
type OpenResult struct {
	Conversation conversations.Conversation       `json:"conversation"`
	Messages     []conversations.PresentedMessage `json:"messages"`
	LastReadMs   int64                            `json:"last_read_ms"`
}

// Send appends a message from SenderID to RecipientID. The broadcast peer is
// rejected before the store is touched, and non-assistant recipients must be
// contacts. The recipient gets one notification; the assistant answers inline.
func (s *Service) Send(ctx context.Context, request SendRequest) (SendResult, error) {
	if err := s.authorize(ctx, opSend, request.SenderID, request.RecipientID); err != nil {
		return SendResult{}, err
	}
	return s.deliver(ctx, request)
}

// SendAttachment uploads the bytes and then sends a message referencing them.
// An upload failure aborts the send; no message is persisted.
func (s *Service) SendAttachment(ctx context.Context, request AttachmentRequest) (SendResult, error) {
	if err := s.authorize(ctx, opAttach, request.SenderID, request.RecipientID); err != nil {
		return SendResult{}, err
	}
	if s.gateway == nil {
		return SendResult{}, apperrors.Transient(opAttach, reasonMissingGateway, errMissingGateway)
	}
	kind := request.Kind
	if kind == "" || kind == conversations.PayloadKindText {
		kind = conversations.PayloadKindFile
	}
	address, err := s.gateway.Store(ctx, request.Data, request.FileName)
	if err != nil {
		return SendResult{}, err
	}
	return s.deliver(ctx, SendRequest{
		SenderID:    request.SenderID,
		RecipientID: request.RecipientID,
		Payload: conversations.Payload{
			Kind:         kind,
			Text:         request.Caption,
			MediaURL:     s.gateway.URL(address),
			MediaAddress: string(address),
			FileName:     request.FileName,
		},
		ViewOnce: request.ViewOnce,
	})
}

func (s *Service) authorize(ctx context.Context, operation, senderID, recipientID string) error {
	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" || recipientID == "" || senderID == recipientID {
		return apperrors.Invalid(operation, reasonInvalidInput, errInvalidInput)
	}
	if recipientID == contacts.BroadcastID {
		return apperrors.Permission(operation, reasonBroadcastPeer, errBroadcastPeer)
	}
	if contacts.IsReserved(senderID) {
		return apperrors.Permission(operation, reasonReservedSender, errReservedSender)
	}
	connected, err := s.contacts.Connected(ctx, senderID, recipientID)
	if err != nil {
		return err
	}
	if !connected {
		return apperrors.Permission(operation, reasonNotConnected, errNotConnected)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, request SendRequest) (SendResult, error) {
	senderID := strings.TrimSpace(request.SenderID)
	recipientID := strings.TrimSpace(request.RecipientID)
	conversation, err := s.conversations.EnsureConversation(ctx, senderID, recipientID)
	if err != nil {
		return SendResult{}, err
	}
	message, err := s.conversations.Append(ctx, conversations.AppendRequest{
		ConversationID: conversation.ConversationID,
		SenderID:       senderID,
		Payload:        request.Payload,
		ViewOnce:       request.ViewOnce,
	})
	if err != nil {
		return SendResult{}, err
	}
	result := SendResult{Message: message.PresentFor(senderID, false)}

	if recipientID != contacts.AssistantID {
		s.notify(ctx, recipientID, senderID, conversation.ConversationID)
		return result, nil
	}
	if s.replier == nil {
		return result, nil
	}
	reply, err := s.replier.Respond(ctx, message)
	if err != nil {
		s.logger.Warn("assistant reply not delivered",
			zap.String("operation", opSend),
			zap.String("conversation_id", conversation.ConversationID),
			zap.Error(err))
		return result, nil
	}
	presented := reply.PresentFor(senderID, false)
	result.Reply = &presented
	return result, nil
}

// notify records the recipient's notification. The message is already
// committed, so a ledger failure is logged rather than failing the send.
func (s *Service) notify(ctx context.Context, recipientID, senderID, conversationID string) {
	displayName := s.senderDisplayName(ctx, senderID)
	if _, err := s.notifications.Record(ctx, recipientID, senderID, displayName, conversationID); err != nil {
		s.logger.Error("notification not recorded",
			zap.String("operation", opSend),
			zap.String("recipient_id", recipientID),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

func (s *Service) senderDisplayName(ctx context.Context, senderID string) string {
	if name, ok := contacts.ReservedDisplayName(senderID); ok {
		return name
	}
	return s.directory.DisplayName(ctx, senderID)
}

// Open ensures the conversation and the caller's watermark exist, advances the
// watermark to the newest message from peerID and returns the presented history.
func (s *Service) Open(ctx context.Context, userID, peerID string) (OpenResult, error) {
	userID = strings.TrimSpace(userID)
	peerID = strings.TrimSpace(peerID)
	if userID == "" || peerID == "" || userID == peerID {
		return OpenResult{}, apperrors.Invalid(opOpen, reasonInvalidInput, errInvalidInput)
	}
	if peerID != contacts.BroadcastID {
		connected, err := s.contacts.Connected(ctx, userID, peerID)
		if err != nil {
			return OpenResult{}, err
		}
		if !connected {
			return OpenResult{}, apperrors.Permission(opOpen, reasonNotConnected, errNotConnected)
		}
	}
	conversation, err := s.conversations.EnsureConversation(ctx, userID, peerID)
	if err != nil {
		return OpenResult{}, err
	}
	if err := s.readState.Touch(ctx, userID, conversation.ConversationID); err != nil {
		return OpenResult{}, err
	}
	messages, err := s.conversations.Recent(ctx, conversation.ConversationID, defaultOpenHistory)
	if err != nil {
		return OpenResult{}, err
	}
	var latestFromPeer int64
	for _, message := range messages {
		if message.SenderID == peerID && message.CreatedAtMs > latestFromPeer {
			latestFromPeer = message.CreatedAtMs
		}
	}
	if latestFromPeer > 0 {
		if _, err := s.readState.AdvanceWatermark(ctx, userID, conversation.ConversationID, latestFromPeer); err != nil {
			return OpenResult{}, err
		}
	}
	lastRead, _, err := s.readState.GetWatermark(ctx, userID, conversation.ConversationID)
	if err != nil {
		return OpenResult{}, err
	}
	presented, err := s.conversations.Present(ctx, userID, messages)
	if err != nil {
		return OpenResult{}, err
	}
	return OpenResult{Conversation: conversation, Messages: presented, LastReadMs: lastRead}, nil
}

// MarkRead advances the caller's watermark in the conversation with peerID.
func (s *Service) MarkRead(ctx context.Context, userID, peerID string, timestampMs int64) (bool, error) {
	conversation, err := s.participantConversation(ctx, opMarkRead, userID, peerID)
	if err != nil {
		return false, err
	}
	return s.readState.AdvanceWatermark(ctx, userID, conversation.ConversationID, timestampMs)
}

// History pages messages of the conversation with peerID after afterMs.
func (s *Service) History(ctx context.Context, userID, peerID string, afterMs int64, limit int) ([]conversations.PresentedMessage, error) {
	conversation, err := s.participantConversation(ctx, opHistory, userID, peerID)
	if err != nil {
		return nil, err
	}
	messages, err := s.conversations.History(ctx, conversation.ConversationID, afterMs, limit)
	if err != nil {
		return nil, err
	}
	return s.conversations.Present(ctx, userID, messages)
}

// Reveal shows a view-once message to viewerID. Content is returned only by the
// call that first records the view; later calls get the "viewed" placeholder and
// the sender always gets "sent". Ordinary messages are returned as is.
func (s *Service) Reveal(ctx context.Context, messageID, viewerID string) (conversations.PresentedMessage, error) {
	if strings.TrimSpace(messageID) == "" || strings.TrimSpace(viewerID) == "" {
		return conversations.PresentedMessage{}, apperrors.Invalid(opReveal, reasonInvalidInput, errInvalidInput)
	}
	result, err := s.conversations.MarkViewed(ctx, messageID, viewerID)
	if err != nil {
		return conversations.PresentedMessage{}, err
	}
	switch {
	case !result.Eligible:
		return result.Message.PresentFor(viewerID, false), nil
	case result.FirstView:
		return result.Message.Revealed(), nil
	default:
		return result.Message.PresentFor(viewerID, true), nil
	}
}

// Broadcast sends text from the system broadcast peer to every recipient.
// Reserved and repeated recipients are skipped. It returns how many messages
// were appended before any failure.
func (s *Service) Broadcast(ctx context.Context, recipientIDs []string, text string) (int, error) {
	payload := conversations.Payload{Kind: conversations.PayloadKindText, Text: text}
	seen := make(map[string]bool, len(recipientIDs))
	sent := 0
	for _, recipientID := range recipientIDs {
		recipientID = strings.TrimSpace(recipientID)
		if recipientID == "" || contacts.IsReserved(recipientID) || seen[recipientID] {
			continue
		}
		seen[recipientID] = true
		if _, err := s.deliver(ctx, SendRequest{SenderID: contacts.BroadcastID, RecipientID: recipientID, Payload: payload}); err != nil {
			s.logger.Error("broadcast interrupted",
				zap.String("operation", opBroadcast),
				zap.String("recipient_id", recipientID),
				zap.Int("sent", sent),
				zap.Error(err))
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Purge clears one batch of the conversation with peerID. The caller reissues
// while the result is incomplete.
func (s *Service) Purge(ctx context.Context, userID, peerID string) (conversations.PurgeResult, error) {
	conversation, err := s.participantConversation(ctx, opPurge, userID, peerID)
	if err != nil {
		return conversations.PurgeResult{}, err
	}
	return s.conversations.Purge(ctx, conversation.ConversationID, userID)
}

// Unread counts messages from peerID the caller has not read yet.
func (s *Service) Unread(ctx context.Context, userID, peerID string) (int64, error) {
	conversation, err := s.participantConversation(ctx, opUnread, userID, peerID)
	if err != nil {
		return 0, err
	}
	return s.readState.CountUnread(ctx, userID, conversation.ConversationID, peerID)
}

func (s *Service) participantConversation(ctx context.Context, operation, userID, peerID string) (conversations.Conversation, error) {
	conversationID, err := conversations.ConversationIDFor(userID, peerID)
	if err != nil {
		return conversations.Conversation{}, apperrors.Invalid(operation, reasonInvalidInput, err)
	}
	conversation, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return conversations.Conversation{}, err
	}
	if !conversation.HasParticipant(strings.TrimSpace(userID)) {
		return conversations.Conversation{}, apperrors.Permission(operation, reasonNotConnected, errNotConnected)
	}
	return conversation, nil
}
