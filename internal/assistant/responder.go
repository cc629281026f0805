package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	"github.com/MarcoPoloResearchLab/bavard/internal/keylock"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"go.uber.org/zap"
)

// ApologyReply is appended when generation fails, so the conversation never
// stalls on a typing indicator.
const ApologyReply = "Sorry, I can't answer right now. Please try again in a moment."

const defaultHistoryTurns = 20

var (
	errMissingConversationLog = errors.New("assistant: conversation log is required")
	errMissingGenerator       = errors.New("assistant: generator is required")
)

// ConversationLog is the part of the conversation store the responder uses.
type ConversationLog interface {
	Recent(ctx context.Context, conversationID string, limit int) ([]conversations.Message, error)
	Append(ctx context.Context, request conversations.AppendRequest) (conversations.Message, error)
}

// ResponderConfig wires the assistant peer.
type ResponderConfig struct {
	Conversations ConversationLog
	Generator     Generator
	Publisher     realtime.Publisher
	Clock         func() time.Time
	Logger        *zap.Logger
	HistoryTurns  int
}

// Responder produces assistant replies, one conversation at a time.
type Responder struct {
	conversations ConversationLog
	generator     Generator
	publisher     realtime.Publisher
	clock         func() time.Time
	logger        *zap.Logger
	historyTurns  int
	locks         *keylock.Locker
}

// TypingNotice is published while a reply is being generated.
type TypingNotice struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Conversations == nil {
		return nil, errMissingConversationLog
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	historyTurns := cfg.HistoryTurns
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	return &Responder{
		conversations: cfg.Conversations,
		generator:     cfg.Generator,
		publisher:     cfg.Publisher,
		clock:         clock,
		logger:        logger,
		historyTurns:  historyTurns,
		locks:         keylock.New(),
	}, nil
}

// Respond generates and appends the assistant's reply to trigger. Replies in one
// conversation are serialized. If ctx ends while generating, nothing is appended
// and the reply is lost.
func (r *Responder) Respond(ctx context.Context, trigger conversations.Message) (conversations.Message, error) {
	conversationID := trigger.ConversationID
	unlock := r.locks.Lock(conversationID)
	defer unlock()

	r.publishTyping(conversationID, true)
	defer r.publishTyping(conversationID, false)

	history, err := r.conversations.Recent(ctx, conversationID, r.historyTurns+1)
	if err != nil {
		r.logger.Warn("assistant history unavailable", zap.String("conversation_id", conversationID), zap.Error(err))
		history = nil
	}
	turns := make([]Turn, 0, len(history))
	for _, message := range history {
		if message.Seq >= trigger.Seq {
			continue
		}
		turns = append(turns, turnFor(message))
	}

	reply, err := r.generator.Chat(ctx, turnFor(trigger).Text, turns)
	if err != nil {
		if ctx.Err() != nil {
			return conversations.Message{}, ctx.Err()
		}
		r.logger.Warn("assistant generation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		reply = ApologyReply
	}

	return r.conversations.Append(ctx, conversations.AppendRequest{
		ConversationID: conversationID,
		SenderID:       contacts.AssistantID,
		Payload:        conversations.Payload{Kind: conversations.PayloadKindText, Text: reply},
	})
}

func turnFor(message conversations.Message) Turn {
	role := RoleUser
	if message.SenderID == contacts.AssistantID {
		role = RoleAssistant
	}
	text := message.Text
	if message.Kind != conversations.PayloadKindText {
		text = fmt.Sprintf("[shared %s %s]", message.Kind, message.FileName)
	}
	if message.ViewOnce {
		text = "[shared a view-once message]"
	}
	return Turn{Role: role, Text: text}
}

func (r *Responder) publishTyping(conversationID string, typing bool) {
	if r.publisher == nil {
		return
	}
	event, err := realtime.NewEvent(realtime.ConversationTopic(conversationID), realtime.EventAssistantTyping, TypingNotice{
		ConversationID: conversationID,
		UserID:         contacts.AssistantID,
		Typing:         typing,
	}, r.clock())
	if err != nil {
		return
	}
	r.publisher.Publish(event)
}
