// Package fanout keeps live subscriptions per connected client and turns store
// events into client pushes: messages, unread counts, notifications and stories.
package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	"github.com/MarcoPoloResearchLab/bavard/internal/notifications"
	"github.com/MarcoPoloResearchLab/bavard/internal/readstate"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"github.com/MarcoPoloResearchLab/bavard/internal/stories"
	"go.uber.org/zap"
)

const (
	opHubNew  = "fanout.hub.new"
	opConnect = "fanout.connect"
	opSelect  = "fanout.select"

	reasonMissingDependency = "missing_dependency"
	reasonInvalidUser       = "invalid_user"
	reasonUnknownContact    = "unknown_contact"

	defaultBufferSize = 256
)

var (
	errMissingDependency = errors.New("contacts, conversations, read state, notifications and subscriber are required")
	errInvalidUser       = errors.New("user id is required")
	errUnknownContact    = errors.New("contact is not in the session's contact list")
)

// ContactLister returns a user's contact list, reserved peers included.
type ContactLister interface {
	List(ctx context.Context, ownerID string) ([]contacts.Contact, error)
}

// StoryLister returns the active stories of a set of authors.
type StoryLister interface {
	ListActive(ctx context.Context, authorIDs []string) ([]stories.Story, error)
}

// HubConfig wires the hub to the stores and the event bus.
type HubConfig struct {
	Contacts      ContactLister
	Conversations *conversations.Service
	ReadState     *readstate.Service
	Notifications *notifications.Service
	Stories       StoryLister
	Subscriber    realtime.Subscriber
	Retry         RetryPolicy
	BufferSize    int
	Logger        *zap.Logger
}

// ConnectOptions carries client-remembered state.
type ConnectOptions struct {
	LastSelectedContact string
}

// Hub creates sessions and tracks the live ones.
type Hub struct {
	contacts      ContactLister
	conversations *conversations.Service
	readState     *readstate.Service
	notifications *notifications.Service
	stories       StoryLister
	subscriber    realtime.Subscriber
	retry         RetryPolicy
	bufferSize    int
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Contacts == nil || cfg.Conversations == nil || cfg.ReadState == nil || cfg.Notifications == nil || cfg.Subscriber == nil {
		return nil, apperrors.Invalid(opHubNew, reasonMissingDependency, errMissingDependency)
	}
	retry := cfg.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		contacts:      cfg.Contacts,
		conversations: cfg.Conversations,
		readState:     cfg.ReadState,
		notifications: cfg.Notifications,
		stories:       cfg.Stories,
		subscriber:    cfg.Subscriber,
		retry:         retry,
		bufferSize:    bufferSize,
		logger:        logger,
		sessions:      make(map[*Session]struct{}),
	}, nil
}

// Connect opens a session for userID. The session lives until ctx ends or
// Close is called; the caller must drain Events.
func (h *Hub) Connect(ctx context.Context, userID string, options ConnectOptions) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.Invalid(opConnect, reasonInvalidUser, errInvalidUser)
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	contactEvents, releaseContacts := h.subscriber.Subscribe(sessionCtx, realtime.ContactsTopic(userID))
	list, err := h.contacts.List(ctx, userID)
	if err != nil {
		releaseContacts()
		cancel()
		return nil, err
	}

	session := &Session{
		hub:    h,
		userID: userID,
		ctx:    sessionCtx,
		cancel: cancel,
		alerts: notifications.NewAlertTracker(),
		events: make(chan ClientEvent, h.bufferSize),
		unread: make(map[string]int64),
		logger: h.logger.With(zap.String("user_id", userID)),
	}
	session.manager = NewSubscriptionManager(h.retry, session.onSubscriptionState, session.logger)
	session.contacts = list
	session.selected = restoreSelection(list, options.LastSelectedContact)

	h.mu.Lock()
	h.sessions[session] = struct{}{}
	h.mu.Unlock()

	if err := session.start(contactEvents, releaseContacts); err != nil {
		releaseContacts()
		session.Close()
		return nil, err
	}
	return session, nil
}

// Sessions reports how many sessions are open.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) forget(session *Session) {
	h.mu.Lock()
	delete(h.sessions, session)
	h.mu.Unlock()
}

// restoreSelection keeps the remembered contact when still listed, else the
// first contact; an empty list falls back to the assistant peer.
func restoreSelection(list []contacts.Contact, remembered string) string {
	if remembered != "" && containsContact(list, remembered) {
		return remembered
	}
	if len(list) > 0 {
		return list[0].ID
	}
	return contacts.AssistantID
}

func containsContact(list []contacts.Contact, contactID string) bool {
	for _, contact := range list {
		if contact.ID == contactID {
			return true
		}
	}
	return false
}
