package readstate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/conversations"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testHarness struct {
	readState     *Service
	conversations *conversations.Service
	dispatcher    *realtime.Dispatcher
	conversation  conversations.Conversation
}

func newHarness(t *testing.T) testHarness {
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
	if err := db.AutoMigrate(&conversations.Conversation{}, &conversations.Message{}, &Watermark{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	dispatcher := realtime.NewDispatcher()
	store, err := conversations.NewService(conversations.ServiceConfig{Database: db, Publisher: dispatcher, Subscriber: dispatcher})
	if err != nil {
		t.Fatalf("failed to construct conversations: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Counter: store, Publisher: dispatcher})
	if err != nil {
		t.Fatalf("failed to construct readstate: %v", err)
	}
	conversation, err := store.EnsureConversation(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("failed to ensure conversation: %v", err)
	}
	return testHarness{readState: service, conversations: store, dispatcher: dispatcher, conversation: conversation}
}

func (h testHarness) send(t *testing.T, senderID, text string) conversations.Message {
	t.Helper()
	message, err := h.conversations.Append(context.Background(), conversations.AppendRequest{
		ConversationID: h.conversation.ConversationID,
		SenderID:       senderID,
		Payload:        conversations.Payload{Kind: conversations.PayloadKindText, Text: text},
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return message
}

func TestAdvanceWatermarkIsMonotonic(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	conversationID := harness.conversation.ConversationID

	if _, found, err := harness.readState.GetWatermark(ctx, "bob", conversationID); err != nil || found {
		t.Fatalf("expected no watermark before first access, found=%v err=%v", found, err)
	}

	cases := []struct {
		name         string
		timestampMs  int64
		wantAdvanced bool
		wantStored   int64
	}{
		{name: "first move", timestampMs: 2000, wantAdvanced: true, wantStored: 2000},
		{name: "same value", timestampMs: 2000, wantAdvanced: false, wantStored: 2000},
		{name: "older value", timestampMs: 1000, wantAdvanced: false, wantStored: 2000},
		{name: "newer value", timestampMs: 3000, wantAdvanced: true, wantStored: 3000},
	}
	for _, testCase := range cases {
		advanced, err := harness.readState.AdvanceWatermark(ctx, "bob", conversationID, testCase.timestampMs)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", testCase.name, err)
		}
		if advanced != testCase.wantAdvanced {
			t.Fatalf("%s: expected advanced=%v, got %v", testCase.name, testCase.wantAdvanced, advanced)
		}
		stored, found, err := harness.readState.GetWatermark(ctx, "bob", conversationID)
		if err != nil || !found {
			t.Fatalf("%s: expected stored watermark: %v", testCase.name, err)
		}
		if stored != testCase.wantStored {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.wantStored, stored)
		}
	}
}

func TestTouchCreatesZeroWatermarkOnce(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	conversationID := harness.conversation.ConversationID

	if err := harness.readState.Touch(ctx, "bob", conversationID); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if _, err := harness.readState.AdvanceWatermark(ctx, "bob", conversationID, 500); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := harness.readState.Touch(ctx, "bob", conversationID); err != nil {
		t.Fatalf("second touch failed: %v", err)
	}
	stored, found, err := harness.readState.GetWatermark(ctx, "bob", conversationID)
	if err != nil || !found || stored != 500 {
		t.Fatalf("touch must not reset the watermark, got %d found=%v err=%v", stored, found, err)
	}
}

func TestCountUnreadTracksWatermark(t *testing.T) {
	harness := newHarness(t)
	ctx := context.Background()
	conversationID := harness.conversation.ConversationID

	first := harness.send(t, "alice", "hi")
	harness.send(t, "bob", "hello")
	second := harness.send(t, "alice", "how are you")

	unread, err := harness.readState.CountUnread(ctx, "bob", conversationID, "alice")
	if err != nil || unread != 2 {
		t.Fatalf("expected 2 unread without watermark, got %d (%v)", unread, err)
	}

	if _, err := harness.readState.AdvanceWatermark(ctx, "bob", conversationID, first.CreatedAtMs); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	unread, err = harness.readState.CountUnread(ctx, "bob", conversationID, "alice")
	if err != nil || unread != 1 {
		t.Fatalf("expected 1 unread after first message, got %d (%v)", unread, err)
	}

	if _, err := harness.readState.AdvanceWatermark(ctx, "bob", conversationID, second.CreatedAtMs); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	unread, err = harness.readState.CountUnread(ctx, "bob", conversationID, "alice")
	if err != nil || unread != 0 {
		t.Fatalf("expected no unread messages, got %d (%v)", unread, err)
	}

	aliceUnread, err := harness.readState.CountUnread(ctx, "alice", conversationID, "bob")
	if err != nil || aliceUnread != 1 {
		t.Fatalf("bob's reply is unread for alice, got %d (%v)", aliceUnread, err)
	}
}

func TestAdvancePublishesOnlyWhenMoved(t *testing.T) {
	harness := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conversationID := harness.conversation.ConversationID
	events, release := harness.dispatcher.Subscribe(ctx, realtime.WatermarkTopic("bob", conversationID))
	defer release()

	if _, err := harness.readState.AdvanceWatermark(ctx, "bob", conversationID, 10); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if _, err := harness.readState.AdvanceWatermark(ctx, "bob", conversationID, 5); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	select {
	case event := <-events:
		var notice WatermarkNotice
		if err := event.Decode(&notice); err != nil || notice.LastReadMs != 10 {
			t.Fatalf("unexpected notice %#v (%v)", notice, err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected watermark event")
	}
	select {
	case event := <-events:
		t.Fatalf("ignored advance must not publish, got %#v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatermarkRejectsBlankKeys(t *testing.T) {
	harness := newHarness(t)
	if _, err := harness.readState.AdvanceWatermark(context.Background(), "", "x", 1); !apperrors.Is(err, apperrors.KindInvalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := harness.readState.CountUnread(context.Background(), "bob", harness.conversation.ConversationID, ""); !apperrors.Is(err, apperrors.KindInvalid) {
		t.Fatalf("expected invalid counterpart, got %v", err)
	}
}
