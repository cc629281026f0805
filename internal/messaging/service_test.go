package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/assistant"
	"github.com/MarcoPoloResearchLab/bavard/internal/contacts"
	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	"github.com/MarcoPoloResearchLab/bavard/internal/media"
	"github.com/MarcoPoloResearchLab/bavard/internal/notifications"
	"github.com/MarcoPoloResearchLab/bavard/internal/readstate"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"github.com/MarcoPoloResearchLab/bavard/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubDirectory struct{}

func (stubDirectory) Lookup(_ context.Context, identifier string) (users.Profile, error) {
	return users.Profile{ID: identifier, DisplayName: "Name of " + identifier}, nil
}

func (stubDirectory) DisplayName(_ context.Context, userID string) string {
	return "Name of " + userID
}

type failingGateway struct{}

func (failingGateway) Store(context.Context, []byte, string) (media.ContentAddress, error) {
	return "", apperrors.Transient("media.store", "unavailable", errors.New("gateway down"))
}

func (failingGateway) URL(address media.ContentAddress) string {
	return "https://broken.test/" + string(address)
}

type echoGenerator struct {
	assistant.Unavailable
}

func (echoGenerator) Chat(_ context.Context, prompt string, _ []assistant.Turn) (string, error) {
	return "echo: " + prompt, nil
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type harness struct {
	messaging     *Service
	conversations *conversations.Service
	readState     *readstate.Service
	notifications *notifications.Service
	contacts      *contacts.Service
}

func newHarness(t *testing.T, gateway media.Gateway) harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(
		&conversations.Conversation{},
		&conversations.Message{},
		&conversations.MessageView{},
		&readstate.Watermark{},
		&notifications.Notification{},
		&contacts.Edge{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &steppingClock{now: time.Date(2026, time.October, 1, 9, 0, 0, 0, time.UTC)}
	dispatcher := realtime.NewDispatcher()
	conversationStore, err := conversations.NewService(conversations.ServiceConfig{Database: db, Publisher: dispatcher, Subscriber: dispatcher, Clock: clock.Now})
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	readState, err := readstate.NewService(readstate.ServiceConfig{Database: db, Counter: conversationStore, Publisher: dispatcher, Clock: clock.Now})
	if err != nil {
		t.Fatalf("readstate: %v", err)
	}
	ledger, err := notifications.NewService(notifications.ServiceConfig{Database: db, Publisher: dispatcher, Clock: clock.Now})
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	contactService, err := contacts.NewService(contacts.ServiceConfig{Database: db, Directory: stubDirectory{}, Publisher: dispatcher, Clock: clock.Now})
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	responder, err := assistant.NewResponder(assistant.ResponderConfig{Conversations: conversationStore, Generator: echoGenerator{}, Publisher: dispatcher, Clock: clock.Now})
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Conversations: conversationStore,
		ReadState:     readState,
		Notifications: ledger,
		Contacts:      contactService,
		Directory:     stubDirectory{},
		Gateway:       gateway,
		Replier:       responder,
	})
	if err != nil {
		t.Fatalf("messaging: %v", err)
	}
	return harness{messaging: service, conversations: conversationStore, readState: readState, notifications: ledger, contacts: contactService}
}

func (h harness) connect(t *testing.T, ownerID, contactID string) {
	t.Helper()
	if _, err := h.contacts.AddContact(context.Background(), ownerID, contactID); err != nil {
		t.Fatalf("add contact failed: %v", err)
	}
}

func text(value string) conversations.Payload {
	return conversations.Payload{Kind: conversations.PayloadKindText, Text: value}
}

func TestSendToBroadcastPeerIsRejectedBeforeStorage(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.messaging.Send(context.Background(), SendRequest{SenderID: "alice", RecipientID: contacts.BroadcastID, Payload: text("hello?")})
	if !apperrors.Is(err, apperrors.KindPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	conversationID, _ := conversations.ConversationIDFor("alice", contacts.BroadcastID)
	if _, err := h.conversations.GetConversation(context.Background(), conversationID); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("store must not be touched, got %v", err)
	}
}

func TestSendRequiresContactEdgeAndRecordsNotification(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.messaging.Send(ctx, SendRequest{SenderID: "alice", RecipientID: "bob", Payload: text("hi")}); !apperrors.Is(err, apperrors.KindPermission) {
		t.Fatalf("expected permission error without contact edge, got %v", err)
	}
	if _, err := h.messaging.Send(ctx, SendRequest{SenderID: "alice", RecipientID: "alice", Payload: text("hi")}); !apperrors.Is(err, apperrors.KindInvalid) {
		t.Fatalf("expected invalid self send, got %v", err)
	}

	h.connect(t, "alice", "bob")
	result, err := h.messaging.Send(ctx, SendRequest{SenderID: "alice", RecipientID: "bob", Payload: text("hi")})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Message.Text != "hi" || result.Message.SenderID != "alice" || result.Reply != nil {
		t.Fatalf("unexpected send result %#v", result)
	}

	inbox, err := h.notifications.ListRecent(ctx, "bob", 10)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("expected one notification for bob, got %d (%v)", len(inbox), err)
	}
	if inbox[0].SenderID != "alice" || inbox[0].SenderDisplayName != "Name of alice" || inbox[0].ConversationID != result.Message.ConversationID {
		t.Fatalf("unexpected notification %#v", inbox[0])
	}
	if own, _ := h.notifications.ListRecent(ctx, "alice", 10); len(own) != 0 {
		t.Fatalf("sender must not be notified, got %d", len(own))
	}
}

func TestSendToAssistantRepliesWithoutNotifications(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	result, err := h.messaging.Send(ctx, SendRequest{SenderID: "alice", RecipientID: contacts.AssistantID, Payload: text("ping")})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Reply == nil || result.Reply.Text != "echo: ping" || result.Reply.SenderID != contacts.AssistantID {
		t.Fatalf("expected inline assistant reply, got %#v", result.Reply)
	}
	if result.Reply.Seq != result.Message.Seq+1 {
		t.Fatalf("reply must follow the trigger, got seq %d after %d", result.Reply.Seq, result.Message.Seq)
	}
	for _, userID := range []string{"alice", contacts.AssistantID} {
		if inbox, _ := h.notifications.ListRecent(ctx, userID, 10); len(inbox) != 0 {
			t.Fatalf("expected no notifications for %s, got %d", userID, len(inbox))
		}
	}
}

func TestSendAttachmentUploadFailureAbortsSend(t *testing.T) {
	h := newHarness(t, failingGateway{})
	ctx := context.Background()
	h.connect(t, "alice", "bob")

	_, err := h.messaging.SendAttachment(ctx, AttachmentRequest{SenderID: "alice", RecipientID: "bob", Kind: conversations.PayloadKindImage, Data: []byte("png"), FileName: "cat.png"})
	if !apperrors.Is(err, apperrors.KindTransient) {
		t.Fatalf("expected transient upload failure, got %v", err)
	}
	conversationID, _ := conversations.ConversationIDFor("alice", "bob")
	if _, err := h.conversations.GetConversation(ctx, conversationID); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("no conversation may be created by an aborted upload, got %v", err)
	}
	if inbox, _ := h.notifications.ListRecent(ctx, "bob", 10); len(inbox) != 0 {
		t.Fatalf("no notification may be recorded, got %d", len(inbox))
	}
}

func TestSendAttachmentReferencesStoredMedia(t *testing.T) {
	gateway := media.NewMemoryGateway("https://media.test")
	h := newHarness(t, gateway)
	h.connect(t, "alice", "bob")

	result, err := h.messaging.SendAttachment(context.Background(), AttachmentRequest{
		SenderID:    "alice",
		RecipientID: "bob",
		Kind:        conversations.PayloadKindAudio,
		Data:        []byte("voice note"),
		FileName:    "note.ogg",
	})
	if err != nil {
		t.Fatalf("send attachment failed: %v", err)
	}
	if result.Message.Kind != conversations.PayloadKindAudio || result.Message.FileName != "note.ogg" {
		t.Fatalf("unexpected message %#v", result.Message)
	}
	address, err := gateway.Store(context.Background(), []byte("voice note"), "note.ogg")
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if result.Message.MediaURL != gateway.URL(address) {
		t.Fatalf("expected media url %s, got %s", gateway.URL(address), result.Message.MediaURL)
	}
}

func TestOpenZeroesUnreadCount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t, "alice", "bob")

	if _, err := h.messaging.Open(ctx, "alice", "bob"); err != nil {
		t.Fatalf("alice open failed: %v", err)
	}
	sent, err := h.messaging.Send(ctx, SendRequest{SenderID: "alice", RecipientID: "bob", Payload: text("hi")})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	unread, err := h.messaging.Unread(ctx, "bob", "alice")
	if err != nil || unread != 1 {
		t.Fatalf("expected one unread message, got %d (%v)", unread, err)
	}

	opened, err := h.messaging.Open(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("bob open failed: %v", err)
	}
	if len(opened.Messages) != 1 || opened.Messages[0].Text != "hi" {
		t.Fatalf("unexpected history %#v", opened.Messages)
	}
	if opened.LastReadMs < sent.Message.CreatedAtMs {
		t.Fatalf("watermark %d must pass the message at %d", opened.LastReadMs, sent.Message.CreatedAtMs)
	}
	unread, err = h.messaging.Unread(ctx, "bob", "alice")
	if err != nil || unread != 0 {
		t.Fatalf("expected no unread messages after open, got %d (%v)", unread, err)
	}
}

func TestViewOnceRevealsContentExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t, "alice", "bob")

	sent, err := h.messaging.Send(ctx, SendRequest{
		SenderID:    "alice",
		RecipientID: "bob",
		Payload:     conversations.Payload{Kind: conversations.PayloadKindImage, MediaURL: "https://media.test/secret.png", FileName: "secret.png"},
		ViewOnce:    true,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sent.Message.ViewOnceState != conversations.ViewOnceSent || sent.Message.MediaURL != "" {
		t.Fatalf("sender must only see the sent placeholder, got %#v", sent.Message)
	}
	messageID := sent.Message.MessageID

	opened, err := h.messaging.Open(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if opened.Messages[0].ViewOnceState != conversations.ViewOnceTapToReveal || opened.Messages[0].MediaURL != "" {
		t.Fatalf("expected tap to reveal without content, got %#v", opened.Messages[0])
	}

	first, err := h.messaging.Reveal(ctx, messageID, "bob")
	if err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	if first.ViewOnceState != conversations.ViewOnceRevealed || first.MediaURL != "https://media.test/secret.png" {
		t.Fatalf("expected content on first reveal, got %#v", first)
	}

	second, err := h.messaging.Reveal(ctx, messageID, "bob")
	if err != nil {
		t.Fatalf("second reveal failed: %v", err)
	}
	if second.ViewOnceState != conversations.ViewOnceViewed || second.MediaURL != "" {
		t.Fatalf("expected viewed placeholder, got %#v", second)
	}

	own, err := h.messaging.Reveal(ctx, messageID, "alice")
	if err != nil {
		t.Fatalf("sender reveal failed: %v", err)
	}
	if own.ViewOnceState != conversations.ViewOnceSent || own.MediaURL != "" {
		t.Fatalf("sender must never see content, got %#v", own)
	}

	reopened, err := h.messaging.Open(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Messages[0].ViewOnceState != conversations.ViewOnceViewed {
		t.Fatalf("expected viewed state on reopen, got %#v", reopened.Messages[0])
	}

	if _, err := h.messaging.Reveal(ctx, messageID, "mallory"); !apperrors.Is(err, apperrors.KindPermission) {
		t.Fatalf("expected permission error for outsiders, got %v", err)
	}
}

func TestBroadcastReachesEachRecipientOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sent, err := h.messaging.Broadcast(ctx, []string{"bob", "bob", " ", contacts.AssistantID, "carol"}, "maintenance tonight")
	if err != nil || sent != 2 {
		t.Fatalf("expected two broadcast messages, got %d (%v)", sent, err)
	}
	inbox, err := h.notifications.ListRecent(ctx, "bob", 10)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("expected one notification for bob, got %d (%v)", len(inbox), err)
	}
	if inbox[0].SenderID != contacts.BroadcastID || inbox[0].SenderDisplayName != "BAVARD" {
		t.Fatalf("unexpected broadcast notification %#v", inbox[0])
	}

	opened, err := h.messaging.Open(ctx, "bob", contacts.BroadcastID)
	if err != nil || len(opened.Messages) != 1 || opened.Messages[0].Text != "maintenance tonight" {
		t.Fatalf("expected broadcast in bob's history, got %#v (%v)", opened.Messages, err)
	}
}

func TestPurgeRequiresExistingConversation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.messaging.Purge(ctx, "alice", "bob"); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	h.connect(t, "alice", "bob")
	if _, err := h.messaging.Send(ctx, SendRequest{SenderID: "alice", RecipientID: "bob", Payload: text("to be cleared")}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	result, err := h.messaging.Purge(ctx, "bob", "alice")
	if err != nil || result.Deleted != 1 || !result.Complete {
		t.Fatalf("unexpected purge result %#v (%v)", result, err)
	}
	history, err := h.messaging.History(ctx, "alice", "bob", 0, 10)
	if err != nil || len(history) != 0 {
		t.Fatalf("expected empty history, got %d (%v)", len(history), err)
	}
}
