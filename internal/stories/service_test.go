package stories

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/assistant"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type categorizerStub struct {
	assistant.Unavailable
	categories []string
}

func (c categorizerStub) Categorize(context.Context, assistant.Media) ([]string, error) {
	return c.categories, nil
}

var epoch = time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, categorizer assistant.Generator) (*Service, *manualClock, *realtime.Dispatcher) {
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
	if err := db.AutoMigrate(&Story{}, &StoryView{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &manualClock{now: epoch}
	dispatcher := realtime.NewDispatcher()
	service, err := NewService(ServiceConfig{Database: db, Categorizer: categorizer, Publisher: dispatcher, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, clock, dispatcher
}

func mustPublish(t *testing.T, service *Service, authorID, name string) Story {
	t.Helper()
	story, err := service.Publish(context.Background(), authorID, MediaRef{URL: "https://gateway.test/ipfs/" + name, Address: name, Kind: "image"})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	return story
}

func TestStoryVisibilityWindow(t *testing.T) {
	service, clock, _ := newTestService(t, nil)
	story := mustPublish(t, service, "alice", "QmOne")
	if story.ExpiresAtMs-story.CreatedAtMs != Lifetime.Milliseconds() {
		t.Fatalf("expected a 24h window, got %dms", story.ExpiresAtMs-story.CreatedAtMs)
	}

	cases := []struct {
		name    string
		offset  time.Duration
		visible bool
	}{
		{name: "at publication", offset: 0, visible: true},
		{name: "one second before expiry", offset: 86399 * time.Second, visible: true},
		{name: "last millisecond", offset: Lifetime - time.Millisecond, visible: true},
		{name: "exactly at expiry", offset: Lifetime, visible: false},
		{name: "one second after expiry", offset: 86401 * time.Second, visible: false},
	}
	for _, testCase := range cases {
		clock.Set(epoch.Add(testCase.offset))
		active, err := service.ListActive(context.Background(), []string{"alice"})
		if err != nil {
			t.Fatalf("%s: list failed: %v", testCase.name, err)
		}
		if got := len(active) == 1; got != testCase.visible {
			t.Fatalf("%s: expected visible=%v, got %d stories", testCase.name, testCase.visible, len(active))
		}
	}
}

func TestListActiveOrdersNewestFirstAcrossAuthors(t *testing.T) {
	service, clock, _ := newTestService(t, nil)
	first := mustPublish(t, service, "alice", "QmA")
	clock.Advance(time.Minute)
	second := mustPublish(t, service, "bob", "QmB")
	clock.Advance(time.Minute)
	mustPublish(t, service, "carol", "QmC")
	clock.Advance(time.Minute)
	third := mustPublish(t, service, "alice", "QmD")

	active, err := service.ListActive(context.Background(), []string{"alice", "bob", " "})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{third.StoryID, second.StoryID, first.StoryID}
	if len(active) != len(want) {
		t.Fatalf("expected %d stories, got %d", len(want), len(active))
	}
	for index, story := range active {
		if story.StoryID != want[index] {
			t.Fatalf("position %d: expected %s, got %s", index, want[index], story.StoryID)
		}
	}

	empty, err := service.ListActive(context.Background(), nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no stories for no authors, got %d (%v)", len(empty), err)
	}
}

func TestPublishStoresCategoriesAndAnnounces(t *testing.T) {
	service, _, dispatcher := newTestService(t, categorizerStub{categories: []string{"beach", "sunset"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, release := dispatcher.Subscribe(ctx, realtime.TopicStories)
	defer release()

	story := mustPublish(t, service, "alice", "QmCat")
	active, err := service.ListActive(context.Background(), []string{"alice"})
	if err != nil || len(active) != 1 {
		t.Fatalf("expected the story, got %d (%v)", len(active), err)
	}
	if fmt.Sprint(active[0].Categories) != "[beach sunset]" {
		t.Fatalf("expected stored categories, got %v", active[0].Categories)
	}

	select {
	case event := <-events:
		var announced Story
		if err := event.Decode(&announced); err != nil || announced.StoryID != story.StoryID {
			t.Fatalf("unexpected announcement %#v (%v)", announced, err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected story.published event")
	}
}

func TestPublishSurvivesCategorizerFailure(t *testing.T) {
	service, _, _ := newTestService(t, assistant.Unavailable{})
	story := mustPublish(t, service, "alice", "QmNoCat")
	if len(story.Categories) != 0 {
		t.Fatalf("expected no categories, got %v", story.Categories)
	}
	if _, err := service.Publish(context.Background(), "alice", MediaRef{}); !apperrors.Is(err, apperrors.KindInvalid) {
		t.Fatalf("expected invalid media, got %v", err)
	}
}

func TestSweepReclaimsOnlyExpiredStories(t *testing.T) {
	service, clock, _ := newTestService(t, nil)
	old := mustPublish(t, service, "alice", "QmOld")
	if err := service.MarkSeen(context.Background(), old.StoryID, "bob"); err != nil {
		t.Fatalf("mark seen failed: %v", err)
	}
	clock.Advance(12 * time.Hour)
	fresh := mustPublish(t, service, "alice", "QmFresh")
	clock.Advance(12 * time.Hour)

	deleted, err := service.Sweep(context.Background())
	if err != nil || deleted != 1 {
		t.Fatalf("expected one reclaimed story, got %d (%v)", deleted, err)
	}
	active, err := service.ListActive(context.Background(), []string{"alice"})
	if err != nil || len(active) != 1 || active[0].StoryID != fresh.StoryID {
		t.Fatalf("expected only the fresh story, got %#v (%v)", active, err)
	}
	seen, err := service.SeenBy(context.Background(), "bob", []string{old.StoryID})
	if err != nil || seen[old.StoryID] {
		t.Fatalf("expected view rows to be reclaimed, got %v (%v)", seen, err)
	}
}

func TestMarkSeenRejectsExpiredStory(t *testing.T) {
	service, clock, _ := newTestService(t, nil)
	story := mustPublish(t, service, "alice", "QmGone")
	clock.Advance(Lifetime)
	if err := service.MarkSeen(context.Background(), story.StoryID, "bob"); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOpenViewerStartsAtOldestUnseen(t *testing.T) {
	service, clock, _ := newTestService(t, nil)
	first := mustPublish(t, service, "alice", "Qm1")
	clock.Advance(time.Minute)
	second := mustPublish(t, service, "alice", "Qm2")
	clock.Advance(time.Minute)
	mustPublish(t, service, "alice", "Qm3")

	if err := service.MarkSeen(context.Background(), first.StoryID, "bob"); err != nil {
		t.Fatalf("mark seen failed: %v", err)
	}
	if err := service.MarkSeen(context.Background(), first.StoryID, "bob"); err != nil {
		t.Fatalf("repeated mark seen failed: %v", err)
	}
	player, err := service.OpenViewer(context.Background(), "bob", "alice")
	if err != nil {
		t.Fatalf("open viewer failed: %v", err)
	}
	current, ok := player.Current()
	if !ok || current.StoryID != second.StoryID {
		t.Fatalf("expected to start at the second story, got %#v", current)
	}

	if _, err := service.OpenViewer(context.Background(), "bob", "nobody"); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found for author without stories, got %v", err)
	}
}
