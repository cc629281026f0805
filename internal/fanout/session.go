package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/assistant"
	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	"github.com/MarcoPoloResearchLab/bavard/internal/notifications"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"github.com/MarcoPoloResearchLab/bavard/internal/stories"
	"go.uber.org/zap"
)

const (
	keyContacts         = "contacts"
	keyNotifications    = "notifications"
	keyStories          = "stories"
	contactKeyPrefix    = "contact/"
	conversationKeyPart = "/conversation"
	watermarkKeyPart    = "/watermark"
)

// ConversationKey names the message-stream subscription of a contact.
func ConversationKey(contactID string) string {
	return contactKeyPrefix + contactID + conversationKeyPart
}

// WatermarkKey names the watermark subscription of a contact.
func WatermarkKey(contactID string) string {
	return contactKeyPrefix + contactID + watermarkKeyPart
}

// Session is one connected client. All pushes arrive on Events in the order
// each subscription produced them.
type Session struct {
	hub     *Hub
	userID  string
	ctx     context.Context
	cancel  context.CancelFunc
	manager *SubscriptionManager
	alerts  *notifications.AlertTracker
	events  chan ClientEvent
	logger  *zap.Logger

	mu       sync.Mutex
	contacts []contacts.Contact
	selected string

	unreadMu sync.Mutex
	unread   map[string]int64

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// UserID is the session owner.
func (s *Session) UserID() string {
	return s.userID
}

// Events yields client pushes until the session closes.
func (s *Session) Events() <-chan ClientEvent {
	return s.events
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Subscriptions exposes the session's subscription manager.
func (s *Session) Subscriptions() *SubscriptionManager {
	return s.manager
}

// Contacts returns the contact list the subscriptions were built from.
func (s *Session) Contacts() []contacts.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contacts.Contact(nil), s.contacts...)
}

// Selected returns the currently selected contact.
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Unread returns the last unread count pushed for contactID.
func (s *Session) Unread(contactID string) (int64, bool) {
	s.unreadMu.Lock()
	defer s.unreadMu.Unlock()
	count, ok := s.unread[contactID]
	return count, ok
}

// Select records the contact the client is looking at.
func (s *Session) Select(contactID string) error {
	s.mu.Lock()
	if !containsContact(s.contacts, contactID) {
		s.mu.Unlock()
		return apperrors.NotFound(opSelect, reasonUnknownContact, errUnknownContact)
	}
	s.selected = contactID
	s.mu.Unlock()
	s.emit(s.ctx, ClientEvent{Type: EventSelection, ContactID: contactID, Data: SelectionUpdate{ContactID: contactID}})
	return nil
}

// Close tears down every subscription synchronously and closes Events.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.manager.TeardownAll(true)
		s.closeMu.Lock()
		s.closed = true
		close(s.events)
		s.closeMu.Unlock()
		s.hub.forget(s)
	})
}

// start registers the per-contact subscriptions before the contacts one, so
// only the contacts pump rebuilds the per-contact set afterwards.
func (s *Session) start(contactEvents <-chan realtime.Event, releaseContacts func()) error {
	list := s.Contacts()
	selected := s.Selected()
	s.emit(s.ctx, ClientEvent{Type: EventContacts, Data: list})
	s.emit(s.ctx, ClientEvent{Type: EventSelection, ContactID: selected, Data: SelectionUpdate{ContactID: selected, Restored: true}})

	if err := s.subscribeContacts(list); err != nil {
		return err
	}
	shared := map[string]Establish{
		keyContacts:      s.contactsEstablish(contactEvents, releaseContacts),
		keyNotifications: s.notificationsEstablish(),
	}
	if s.hub.stories != nil {
		shared[keyStories] = s.storiesEstablish()
	}
	for key, establish := range shared {
		if err := s.manager.Add(s.ctx, key, establish); err != nil {
			return err
		}
	}
	s.emitStories(s.ctx)
	return nil
}

// subscribeContacts streams every listed contact plus the broadcast peer,
// which is never listed because it cannot be written to.
func (s *Session) subscribeContacts(list []contacts.Contact) error {
	peerIDs := make([]string, 0, len(list)+1)
	for _, contact := range list {
		peerIDs = append(peerIDs, contact.ID)
	}
	if s.userID != contacts.BroadcastID && !containsContact(list, contacts.BroadcastID) {
		peerIDs = append(peerIDs, contacts.BroadcastID)
	}
	for _, peerID := range peerIDs {
		if err := s.manager.Add(s.ctx, ConversationKey(peerID), s.conversationEstablish(peerID)); err != nil {
			return err
		}
		if err := s.manager.Add(s.ctx, WatermarkKey(peerID), s.watermarkEstablish(peerID)); err != nil {
			return err
		}
	}
	return nil
}

// refreshContacts tears down every per-contact subscription before the new set
// is established, so no contact is ever delivered twice.
func (s *Session) refreshContacts(ctx context.Context) {
	list, ok := s.listContacts(ctx)
	if !ok {
		return
	}
	s.applyContacts(ctx, list)
}

// reconcileContacts rebuilds only when the stored list differs from the one
// the session subscribed to.
func (s *Session) reconcileContacts(ctx context.Context) {
	list, ok := s.listContacts(ctx)
	if !ok || sameContacts(list, s.Contacts()) {
		return
	}
	s.applyContacts(ctx, list)
}

func (s *Session) listContacts(ctx context.Context) ([]contacts.Contact, bool) {
	list, err := s.hub.contacts.List(ctx, s.userID)
	if err != nil {
		if ctx.Err() == nil {
			s.tryEmit(ClientEvent{Type: EventError, Data: errorNotice(keyContacts, err)})
		}
		return nil, false
	}
	return list, true
}

func (s *Session) applyContacts(ctx context.Context, list []contacts.Contact) {
	s.manager.TeardownPrefix(contactKeyPrefix)

	s.unreadMu.Lock()
	s.unread = make(map[string]int64)
	s.unreadMu.Unlock()

	s.mu.Lock()
	s.contacts = list
	previous := s.selected
	if !containsContact(list, previous) {
		s.selected = restoreSelection(list, "")
	}
	selected := s.selected
	s.mu.Unlock()

	if err := s.subscribeContacts(list); err != nil {
		if !errors.Is(err, ErrManagerClosed) {
			s.logger.Error("contact subscriptions not established", zap.Error(err))
		}
		return
	}
	s.emit(ctx, ClientEvent{Type: EventContacts, Data: list})
	if selected != previous {
		s.emit(ctx, ClientEvent{Type: EventSelection, ContactID: selected, Data: SelectionUpdate{ContactID: selected}})
	}
	s.emitStories(ctx)
}

// contactsEstablish consumes the contact topic. The first attempt uses the
// subscription Connect opened before listing contacts; later attempts
// subscribe again and re-list, since changes in between were not delivered.
func (s *Session) contactsEstablish(initial <-chan realtime.Event, initialRelease func()) Establish {
	return func(ctx context.Context) (Pump, error) {
		events, release, reconcile := initial, initialRelease, false
		initial, initialRelease = nil, nil
		if events == nil {
			events, release = s.hub.subscriber.Subscribe(ctx, realtime.ContactsTopic(s.userID))
			reconcile = true
		}
		return func(ctx context.Context) error {
			defer release()
			if reconcile {
				s.reconcileContacts(ctx)
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-events:
					if !ok {
						return nil
					}
					if event.Kind == realtime.EventContactsChanged {
						s.refreshContacts(ctx)
					}
				}
			}
		}, nil
	}
}

func (s *Session) notificationsEstablish() Establish {
	return func(ctx context.Context) (Pump, error) {
		events, release := s.hub.subscriber.Subscribe(ctx, realtime.NotificationTopic(s.userID))
		pending, err := s.hub.notifications.ListUnread(ctx, s.userID, 0)
		if err != nil {
			release()
			return nil, err
		}
		return func(ctx context.Context) error {
			defer release()
			for index := len(pending) - 1; index >= 0; index-- {
				s.deliverNotification(ctx, pending[index])
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-events:
					if !ok {
						return nil
					}
					var notification notifications.Notification
					if err := event.Decode(&notification); err != nil {
						s.logger.Warn("notification event not decoded", zap.Error(err))
						continue
					}
					s.deliverNotification(ctx, notification)
				}
			}
		}, nil
	}
}

func (s *Session) deliverNotification(ctx context.Context, notification notifications.Notification) {
	if !s.emit(ctx, ClientEvent{Type: EventNotification, ContactID: notification.SenderID, Data: notification}) {
		return
	}
	if s.alerts.ShouldAlert(notification) {
		s.emit(ctx, ClientEvent{Type: EventAlert, ContactID: notification.SenderID, Data: AlertSignal{
			NotificationID: notification.NotificationID,
			SenderID:       notification.SenderID,
		}})
	}
}

func (s *Session) storiesEstablish() Establish {
	return func(ctx context.Context) (Pump, error) {
		events, release := s.hub.subscriber.Subscribe(ctx, realtime.TopicStories)
		return func(ctx context.Context) error {
			defer release()
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-events:
					if !ok {
						return nil
					}
					var story stories.Story
					if err := event.Decode(&story); err != nil {
						s.logger.Warn("story event not decoded", zap.Error(err))
						continue
					}
					if s.followsAuthor(story.AuthorID) {
						s.emit(ctx, ClientEvent{Type: EventStory, ContactID: story.AuthorID, Data: story})
					}
				}
			}
		}, nil
	}
}

func (s *Session) followsAuthor(authorID string) bool {
	if authorID == s.userID {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return containsContact(s.contacts, authorID)
}

func (s *Session) emitStories(ctx context.Context) {
	if s.hub.stories == nil {
		return
	}
	authors := []string{s.userID}
	for _, contact := range s.Contacts() {
		if !contact.Reserved {
			authors = append(authors, contact.ID)
		}
	}
	active, err := s.hub.stories.ListActive(ctx, authors)
	if err != nil {
		if ctx.Err() == nil {
			s.tryEmit(ClientEvent{Type: EventError, Data: errorNotice(keyStories, err)})
		}
		return
	}
	s.emit(ctx, ClientEvent{Type: EventStories, Data: active})
}

// conversationEstablish streams the conversation with contactID. The first
// establish replays everything after the read watermark; re-establishing after
// an error resumes from the last delivered message.
func (s *Session) conversationEstablish(contactID string) Establish {
	checkpoint := int64(-1)
	return func(ctx context.Context) (Pump, error) {
		conversation, err := s.hub.conversations.EnsureConversation(ctx, s.userID, contactID)
		if err != nil {
			return nil, err
		}
		conversationID := conversation.ConversationID
		if checkpoint < 0 {
			lastRead, _, err := s.hub.readState.GetWatermark(ctx, s.userID, conversationID)
			if err != nil {
				return nil, err
			}
			checkpoint = lastRead
		}
		stream, err := s.hub.conversations.StreamSince(ctx, conversationID, checkpoint,
			conversations.WithControlHandler(func(event realtime.Event) {
				s.handleControl(ctx, contactID, conversationID, event)
			}))
		if err != nil {
			return nil, err
		}
		s.recomputeUnread(ctx, contactID, conversationID)

		return func(ctx context.Context) error {
			defer stream.Close()
			for {
				select {
				case <-ctx.Done():
					return nil
				case message, ok := <-stream.Messages():
					if !ok {
						return stream.Err()
					}
					checkpoint = message.CreatedAtMs
					if !s.emit(ctx, ClientEvent{Type: EventMessage, ContactID: contactID, Data: s.present(ctx, message)}) {
						return nil
					}
					if message.SenderID == contactID {
						s.recomputeUnread(ctx, contactID, conversationID)
					}
				}
			}
		}, nil
	}
}

// present renders message for the session owner, including whether a
// view-once message was already revealed elsewhere.
func (s *Session) present(ctx context.Context, message conversations.Message) conversations.PresentedMessage {
	if !message.ViewOnce || message.SenderID == s.userID {
		return message.PresentFor(s.userID, false)
	}
	presented, err := s.hub.conversations.Present(ctx, s.userID, []conversations.Message{message})
	if err != nil || len(presented) != 1 {
		if ctx.Err() == nil {
			s.logger.Warn("view state not loaded", zap.String("message_id", message.MessageID), zap.Error(err))
		}
		return message.PresentFor(s.userID, false)
	}
	return presented[0]
}

func (s *Session) handleControl(ctx context.Context, contactID, conversationID string, event realtime.Event) {
	switch event.Kind {
	case realtime.EventConversationPurged:
		var notice conversations.PurgeNotice
		if err := event.Decode(&notice); err != nil {
			return
		}
		s.emit(ctx, ClientEvent{Type: EventPurged, ContactID: contactID, Data: notice})
		s.recomputeUnread(ctx, contactID, conversationID)
	case realtime.EventMessageViewed:
		var notice conversations.ViewNotice
		if err := event.Decode(&notice); err != nil {
			return
		}
		s.emit(ctx, ClientEvent{Type: EventViewed, ContactID: contactID, Data: notice})
	case realtime.EventAssistantTyping:
		var notice assistant.TypingNotice
		if err := event.Decode(&notice); err != nil {
			return
		}
		s.emit(ctx, ClientEvent{Type: EventTyping, ContactID: contactID, Data: notice})
	}
}

func (s *Session) watermarkEstablish(contactID string) Establish {
	return func(ctx context.Context) (Pump, error) {
		conversationID, err := conversations.ConversationIDFor(s.userID, contactID)
		if err != nil {
			return nil, backoffPermanent(err)
		}
		events, release := s.hub.subscriber.Subscribe(ctx, realtime.WatermarkTopic(s.userID, conversationID))
		return func(ctx context.Context) error {
			defer release()
			s.recomputeUnread(ctx, contactID, conversationID)
			for {
				select {
				case <-ctx.Done():
					return nil
				case _, ok := <-events:
					if !ok {
						return nil
					}
					s.recomputeUnread(ctx, contactID, conversationID)
				}
			}
		}, nil
	}
}

// recomputeUnread counts from storage and pushes only when the count changed.
func (s *Session) recomputeUnread(ctx context.Context, contactID, conversationID string) {
	s.unreadMu.Lock()
	defer s.unreadMu.Unlock()
	count, err := s.hub.readState.CountUnread(ctx, s.userID, conversationID, contactID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("unread count not recomputed", zap.String("contact_id", contactID), zap.Error(err))
		}
		return
	}
	if previous, ok := s.unread[contactID]; ok && previous == count {
		return
	}
	s.unread[contactID] = count
	s.emit(ctx, ClientEvent{Type: EventUnread, ContactID: contactID, Data: UnreadUpdate{
		ContactID:      contactID,
		ConversationID: conversationID,
		Count:          count,
	}})
}

func (s *Session) onSubscriptionState(key string, state State, err error) {
	if state != StateError || err == nil {
		return
	}
	s.tryEmit(ClientEvent{Type: EventError, Data: errorNotice(key, err)})
}

// emit blocks until the client takes the event or either context ends.
func (s *Session) emit(ctx context.Context, event ClientEvent) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- event:
		return true
	case <-ctx.Done():
		return false
	case <-s.ctx.Done():
		return false
	}
}

// tryEmit drops the event when the client is not keeping up.
func (s *Session) tryEmit(event ClientEvent) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func sameContacts(left, right []contacts.Contact) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index].ID != right[index].ID || left[index].DisplayName != right[index].DisplayName {
			return false
		}
	}
	return true
}

func errorNotice(subscription string, err error) ErrorNotice {
	return ErrorNotice{Subscription: subscription, Code: apperrors.CodeOf(err), Message: err.Error()}
}
