package realtime

import (
	"encoding/json"
	"time"
)

const (
	EventMessageCreated      = "message.created"
	EventMessageViewed       = "message.viewed"
	EventConversationPurged  = "conversation.purged"
	EventWatermarkAdvanced   = "watermark.advanced"
	EventNotificationCreated = "notification.created"
	EventContactsChanged     = "contacts.changed"
	EventAssistantTyping     = "assistant.typing"
	EventStoryPublished      = "story.published"
)

const (
	topicConversationPrefix = "conversation:"
	topicWatermarkPrefix    = "watermark:"
	topicNotificationPrefix = "notifications:"
	topicContactsPrefix     = "contacts:"
	// TopicStories carries every published story; sessions filter by contact set.
	TopicStories = "stories"
)

// Event is a single state change routed to every subscriber of its topic.
type Event struct {
	Topic     string          `json:"topic"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the event payload into target.
func (e Event) Decode(target any) error {
	return json.Unmarshal(e.Data, target)
}

// NewEvent marshals payload into an event for topic.
func NewEvent(topic, kind string, payload any, timestamp time.Time) (Event, error) {
	event := Event{Topic: topic, Kind: kind, Timestamp: timestamp.UTC()}
	if payload == nil {
		return event, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	event.Data = data
	return event, nil
}

// ConversationTopic carries message appends, views and purges of one conversation.
func ConversationTopic(conversationID string) string {
	return topicConversationPrefix + conversationID
}

// WatermarkTopic carries watermark moves of one user in one conversation.
func WatermarkTopic(userID, conversationID string) string {
	return topicWatermarkPrefix + userID + ":" + conversationID
}

// NotificationTopic carries ledger entries for one recipient.
func NotificationTopic(userID string) string {
	return topicNotificationPrefix + userID
}

// ContactsTopic carries contact-list changes for one user.
func ContactsTopic(userID string) string {
	return topicContactsPrefix + userID
}
