package conversations

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PayloadKind enumerates message payload types.
type PayloadKind string

const (
	PayloadKindText  PayloadKind = "text"
	PayloadKindImage PayloadKind = "image"
	PayloadKindAudio PayloadKind = "audio"
	PayloadKindFile  PayloadKind = "file"
)

const (
	maxIdentifierLength = 190
	conversationIDGlue  = "_"
)

var (
	// ErrInvalidParticipant indicates an empty, oversized or duplicated participant identifier.
	ErrInvalidParticipant = errors.New("conversations: invalid participant")
	// ErrInvalidPayload indicates a payload that does not match its kind.
	ErrInvalidPayload = errors.New("conversations: invalid payload")
)

// ParsePayloadKind validates a raw kind name.
func ParsePayloadKind(raw string) (PayloadKind, error) {
	switch kind := PayloadKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case PayloadKindText, PayloadKindImage, PayloadKindAudio, PayloadKindFile:
		return kind, nil
	case "":
		return PayloadKindText, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, raw)
	}
}

// ConversationIDFor canonicalizes an unordered participant pair.
func ConversationIDFor(firstUserID, secondUserID string) (string, error) {
	first := strings.TrimSpace(firstUserID)
	second := strings.TrimSpace(secondUserID)
	if first == "" || second == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidParticipant)
	}
	if len(first) > maxIdentifierLength || len(second) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidParticipant, maxIdentifierLength)
	}
	if first == second {
		return "", fmt.Errorf("%w: participants must differ", ErrInvalidParticipant)
	}
	pair := []string{first, second}
	sort.Strings(pair)
	return strings.Join(pair, conversationIDGlue), nil
}

// Payload is the content of a message: text, or a reference to stored media.
type Payload struct {
	Kind         PayloadKind
	Text         string
	MediaURL     string
	MediaAddress string
	FileName     string
}

func (p Payload) validate() error {
	switch p.Kind {
	case PayloadKindText:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: text is empty", ErrInvalidPayload)
		}
	case PayloadKindImage, PayloadKindAudio, PayloadKindFile:
		if strings.TrimSpace(p.MediaURL) == "" {
			return fmt.Errorf("%w: media reference is empty", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	return nil
}

// Conversation is the durable two-party log owner. It is never deleted.
type Conversation struct {
	ConversationID string `gorm:"column:conversation_id;primaryKey;size:400;not null" json:"conversation_id"`
	ParticipantA   string `gorm:"column:participant_a;size:190;not null;index" json:"participant_a"`
	ParticipantB   string `gorm:"column:participant_b;size:190;not null;index" json:"participant_b"`
	LastSeq        int64  `gorm:"column:last_seq;not null;default:0" json:"last_seq"`
	LastMessageMs  int64  `gorm:"column:last_message_ms;not null;default:0" json:"last_message_ms"`
	CreatedAtMs    int64  `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// HasParticipant reports whether userID owns this conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Counterpart returns the other participant.
func (c Conversation) Counterpart(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message is one committed entry of a conversation log.
type Message struct {
	MessageID      string      `gorm:"column:message_id;primaryKey;size:64;not null" json:"message_id"`
	ConversationID string      `gorm:"column:conversation_id;size:400;not null;uniqueIndex:idx_messages_conversation_seq,priority:1;index:idx_messages_conversation_time,priority:1" json:"conversation_id"`
	Seq            int64       `gorm:"column:seq;not null;uniqueIndex:idx_messages_conversation_seq,priority:2" json:"seq"`
	SenderID       string      `gorm:"column:sender_id;size:190;not null" json:"sender_id"`
	CreatedAtMs    int64       `gorm:"column:created_at_ms;not null;index:idx_messages_conversation_time,priority:2" json:"created_at_ms"`
	Kind           PayloadKind `gorm:"column:kind;size:16;not null" json:"kind"`
	Text           string      `gorm:"column:text;type:text;not null;default:''" json:"text,omitempty"`
	MediaURL       string      `gorm:"column:media_url;size:1024;not null;default:''" json:"media_url,omitempty"`
	MediaAddress   string      `gorm:"column:media_address;size:190;not null;default:''" json:"media_address,omitempty"`
	FileName       string      `gorm:"column:file_name;size:512;not null;default:''" json:"file_name,omitempty"`
	ViewOnce       bool        `gorm:"column:view_once;not null;default:false" json:"view_once"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// MessageView records one non-sender reveal of a view-once message.
type MessageView struct {
	MessageID  string `gorm:"column:message_id;primaryKey;size:64;not null"`
	ViewerID   string `gorm:"column:viewer_id;primaryKey;size:190;not null"`
	ViewedAtMs int64  `gorm:"column:viewed_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageView) TableName() string {
	return "message_views"
}

// ViewOnceState is what a viewer may see of a view-once message.
type ViewOnceState string

const (
	ViewOnceSent        ViewOnceState = "sent"
	ViewOnceTapToReveal ViewOnceState = "tap_to_reveal"
	ViewOnceViewed      ViewOnceState = "viewed"
	ViewOnceRevealed    ViewOnceState = "revealed"
)

// PresentedMessage is a message as shown to one viewer.
type PresentedMessage struct {
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	Seq            int64         `json:"seq"`
	SenderID       string        `json:"sender_id"`
	CreatedAtMs    int64         `json:"created_at_ms"`
	Kind           PayloadKind   `json:"kind"`
	Text           string        `json:"text,omitempty"`
	MediaURL       string        `json:"media_url,omitempty"`
	FileName       string        `json:"file_name,omitempty"`
	ViewOnce       bool          `json:"view_once"`
	ViewOnceState  ViewOnceState `json:"view_once_state,omitempty"`
}

// PresentFor redacts view-once content. The sender always sees "sent"; other
// viewers see a reveal affordance until they have viewed it, then "viewed".
func (m Message) PresentFor(viewerID string, alreadyViewed bool) PresentedMessage {
	presented := PresentedMessage{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		CreatedAtMs:    m.CreatedAtMs,
		Kind:           m.Kind,
		ViewOnce:       m.ViewOnce,
	}
	if !m.ViewOnce {
		presented.Text = m.Text
		presented.MediaURL = m.MediaURL
		presented.FileName = m.FileName
		return presented
	}
	switch {
	case viewerID == m.SenderID:
		presented.ViewOnceState = ViewOnceSent
	case alreadyViewed:
		presented.ViewOnceState = ViewOnceViewed
	default:
		presented.ViewOnceState = ViewOnceTapToReveal
	}
	return presented
}

// Revealed returns the single content-bearing presentation of a view-once message.
func (m Message) Revealed() PresentedMessage {
	presented := m.PresentFor("", false)
	presented.Text = m.Text
	presented.MediaURL = m.MediaURL
	presented.FileName = m.FileName
	presented.ViewOnceState = ViewOnceRevealed
	return presented
}
