package contacts

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"github.com/MarcoPoloResearchLab/bavard/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubDirectory struct {
	profiles map[string]users.Profile
}

func (d stubDirectory) Lookup(_ context.Context, identifier string) (users.Profile, error) {
	key := strings.ToLower(strings.TrimSpace(identifier))
	for _, profile := range d.profiles {
		if profile.ID == key || profile.Email == key {
			return profile, nil
		}
	}
	return users.Profile{}, apperrors.NotFound("users.lookup", "unknown_user", nil)
}

func (d stubDirectory) DisplayName(_ context.Context, userID string) string {
	if profile, ok := d.profiles[userID]; ok {
		return profile.DisplayName
	}
	return userID
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *realtime.Dispatcher) {
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
	if err := db.AutoMigrate(&Edge{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	directory := stubDirectory{profiles: map[string]users.Profile{
		"alice":     {ID: "alice", DisplayName: "Alice", Email: "alice@example.com"},
		"bob":       {ID: "bob", DisplayName: "Bob", Email: "bob@example.com"},
		"carol":     {ID: "carol", DisplayName: "Carol", Email: "carol@example.com"},
		AssistantID: {ID: AssistantID, DisplayName: "Assistant"},
	}}
	dispatcher := realtime.NewDispatcher()
	tick := int64(0)
	service, err := NewService(ServiceConfig{
		Database:  db,
		Directory: directory,
		Publisher: dispatcher,
		Clock: func() time.Time {
			tick++
			return time.UnixMilli(1_700_000_000_000 + tick)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db, dispatcher
}

func TestAddContactCreatesBothDirections(t *testing.T) {
	service, db, dispatcher := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bobEvents, release := dispatcher.Subscribe(ctx, realtime.ContactsTopic("bob"))
	defer release()

	contact, err := service.AddContact(ctx, "alice", "BOB@example.com")
	if err != nil {
		t.Fatalf("add contact failed: %v", err)
	}
	if contact.ID != "bob" || contact.DisplayName != "Bob" {
		t.Fatalf("unexpected contact %#v", contact)
	}

	var edges []Edge
	if err := db.Order("owner_id").Find(&edges).Error; err != nil {
		t.Fatalf("failed to read edges: %v", err)
	}
	if len(edges) != 2 || edges[0].OwnerID != "alice" || edges[1].OwnerID != "bob" {
		t.Fatalf("expected edges in both directions, got %#v", edges)
	}

	select {
	case event := <-bobEvents:
		var notice ChangeNotice
		if err := event.Decode(&notice); err != nil || !notice.Added || notice.OwnerID != "alice" {
			t.Fatalf("unexpected change notice %#v (%v)", notice, err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected contacts change for the added user")
	}

	again, err := service.AddContact(ctx, "alice", "bob")
	if err != nil || again.ID != "bob" {
		t.Fatalf("re-adding an existing contact should succeed, got %#v %v", again, err)
	}
}

func TestAddContactRejectsInvalidTargets(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name       string
		identifier string
		kind       apperrors.Kind
	}{
		{name: "self", identifier: "alice", kind: apperrors.KindInvalid},
		{name: "reserved", identifier: AssistantID, kind: apperrors.KindInvalid},
		{name: "unknown", identifier: "nobody", kind: apperrors.KindNotFound},
		{name: "blank", identifier: "  ", kind: apperrors.KindInvalid},
	}
	for _, testCase := range cases {
		if _, err := service.AddContact(ctx, "alice", testCase.identifier); !apperrors.Is(err, testCase.kind) {
			t.Fatalf("%s: expected %s, got %v", testCase.name, testCase.kind, err)
		}
	}
}

func TestOneSidedEdgeIsReportedAsPartialBatch(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()
	if err := db.Create(&Edge{OwnerID: "alice", ContactID: "carol", CreatedAtMs: 1}).Error; err != nil {
		t.Fatalf("failed to seed edge: %v", err)
	}

	if _, err := service.AddContact(ctx, "alice", "carol"); !apperrors.Is(err, apperrors.KindPartialBatch) {
		t.Fatalf("expected partial batch error, got %v", err)
	}
	if _, err := service.Connected(ctx, "carol", "alice"); !apperrors.Is(err, apperrors.KindPartialBatch) {
		t.Fatalf("expected partial batch error from connectivity check, got %v", err)
	}

	if err := service.RemoveContact(ctx, "alice", "carol"); err != nil {
		t.Fatalf("remove should clear a one-sided edge: %v", err)
	}
	state, err := service.State(ctx, "alice", "carol")
	if err != nil || state != EdgeAbsent {
		t.Fatalf("expected no edge after removal, got %v (%v)", state, err)
	}
	if _, err := service.AddContact(ctx, "alice", "carol"); err != nil {
		t.Fatalf("expected clean add after repair: %v", err)
	}
}

func TestListAppendsAssistantAfterContacts(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	empty, err := service.List(ctx, "alice")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(empty) != 1 || empty[0].ID != AssistantID || !empty[0].Reserved {
		t.Fatalf("expected only the assistant, got %#v", empty)
	}

	if _, err := service.AddContact(ctx, "alice", "carol"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := service.AddContact(ctx, "alice", "bob"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	listed, err := service.List(ctx, "alice")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	ids := []string{}
	for _, contact := range listed {
		ids = append(ids, contact.ID)
	}
	if strings.Join(ids, ",") != "carol,bob,"+AssistantID {
		t.Fatalf("unexpected contact order %v", ids)
	}
}

func TestConnectedHonoursReservedPeers(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	connected, err := service.Connected(ctx, "alice", AssistantID)
	if err != nil || !connected {
		t.Fatalf("assistant is always connected, got %v (%v)", connected, err)
	}
	connected, err = service.Connected(ctx, "alice", "bob")
	if err != nil || connected {
		t.Fatalf("strangers are not connected, got %v (%v)", connected, err)
	}
	if err := service.RemoveContact(ctx, "alice", AssistantID); !apperrors.Is(err, apperrors.KindInvalid) {
		t.Fatalf("the assistant cannot be removed, got %v", err)
	}
}
