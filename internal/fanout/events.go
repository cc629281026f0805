package fanout

// Client event types pushed to a connected session.
const (
	EventSelection    = "selection"
	EventContacts     = "contacts"
	EventMessage      = "message"
	EventPurged       = "purged"
	EventViewed       = "viewed"
	EventUnread       = "unread"
	EventNotification = "notification"
	EventAlert        = "alert"
	EventTyping       = "typing"
	EventStory        = "story"
	EventStories      = "stories"
	EventError        = "error"
)

// ClientEvent is one push to a connected client.
type ClientEvent struct {
	Type      string `json:"type"`
	ContactID string `json:"contact_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// SelectionUpdate names the contact whose conversation the client should show.
type SelectionUpdate struct {
	ContactID string `json:"contact_id"`
	Restored  bool   `json:"restored"`
}

// UnreadUpdate carries a recomputed unread count for one contact.
type UnreadUpdate struct {
	ContactID      string `json:"contact_id"`
	ConversationID string `json:"conversation_id"`
	Count          int64  `json:"count"`
}

// AlertSignal asks the client to play its audible alert once.
type AlertSignal struct {
	NotificationID string `json:"notification_id"`
	SenderID       string `json:"sender_id"`
}

// ErrorNotice reports a subscription failure the client should surface.
type ErrorNotice struct {
	Subscription string `json:"subscription,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message"`
}
