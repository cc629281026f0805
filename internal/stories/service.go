package stories

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bavard/internal/assistant"
	"github.com/MarcoPoloResearchLab/bavard/internal/ids"
	"github.com/MarcoPoloResearchLab/bavard/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "stories.service.new"
	opPublish    = "stories.publish"
	opListActive = "stories.list_active"
	opMarkSeen   = "stories.mark_seen"
	opSeenBy     = "stories.seen_by"
	opSweep      = "stories.sweep"
	opOpenViewer = "stories.open_viewer"

	reasonMissingDatabase    = "missing_database"
	reasonInvalidInput       = "invalid_input"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonWriteFailed        = "write_failed"
	reasonQueryFailed        = "query_failed"
	reasonDeleteFailed       = "delete_failed"
	reasonStoryMissing       = "story_missing"
	reasonNoActiveStories    = "no_active_stories"

	queryActiveByAuthors = "author_id IN ? AND expires_at_ms > ?"
	orderNewestFirst     = "created_at_ms DESC, story_id DESC"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingAuthor   = errors.New("author is required")
	errMissingMedia    = errors.New("media url is required")
	errMissingViewer   = errors.New("viewer and story are required")
	errStoryExpired    = errors.New("story is missing or expired")
	errNoActiveStories = errors.New("author has no active stories")
)

// ServiceConfig describes the dependencies of the story store.
type ServiceConfig struct {
	Database    *gorm.DB
	Categorizer assistant.Generator
	Publisher   realtime.Publisher
	Clock       func() time.Time
	IDProvider  ids.Provider
	Logger      *zap.Logger
}

// Service publishes stories and answers time-windowed visibility queries.
type Service struct {
	db          *gorm.DB
	categorizer assistant.Generator
	publisher   realtime.Publisher
	clock       func() time.Time
	idProvider  ids.Provider
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Transient(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		categorizer: cfg.Categorizer,
		publisher:   cfg.Publisher,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
	}, nil
}

// Publish stores a story expiring Lifetime from now. Categories are best effort.
func (s *Service) Publish(ctx context.Context, authorID string, media MediaRef) (Story, error) {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return Story{}, apperrors.Invalid(opPublish, reasonInvalidInput, errMissingAuthor)
	}
	if strings.TrimSpace(media.URL) == "" {
		return Story{}, apperrors.Invalid(opPublish, reasonInvalidInput, errMissingMedia)
	}
	storyID, err := s.idProvider.NewID()
	if err != nil {
		return Story{}, apperrors.New(apperrors.KindInternal, opPublish, reasonIDGenerationFailed, err)
	}

	categories := assistant.CategoriesFor(ctx, s.categorizer, assistant.Media{
		URL:      media.URL,
		Kind:     media.Kind,
		FileName: media.FileName,
		Caption:  media.Caption,
	})
	if categories == nil {
		categories = []string{}
	}
	encoded, err := json.Marshal(categories)
	if err != nil {
		return Story{}, apperrors.New(apperrors.KindInternal, opPublish, reasonWriteFailed, err)
	}

	now := s.clock().UTC()
	story := Story{
		StoryID:        storyID,
		AuthorID:       authorID,
		MediaURL:       media.URL,
		MediaAddress:   media.Address,
		MediaKind:      media.Kind,
		Caption:        media.Caption,
		CreatedAtMs:    now.UnixMilli(),
		ExpiresAtMs:    now.Add(Lifetime).UnixMilli(),
		CategoriesJSON: string(encoded),
		Categories:     categories,
	}
	if err := s.db.WithContext(ctx).Create(&story).Error; err != nil {
		s.logError(opPublish, reasonWriteFailed, err, zap.String("author_id", authorID))
		return Story{}, apperrors.Transient(opPublish, reasonWriteFailed, err)
	}

	if s.publisher != nil {
		event, err := realtime.NewEvent(realtime.TopicStories, realtime.EventStoryPublished, story, now)
		if err == nil {
			s.publisher.Publish(event)
		}
	}
	return story, nil
}

// ListActive returns the unexpired stories of authorIDs, newest first.
func (s *Service) ListActive(ctx context.Context, authorIDs []string) ([]Story, error) {
	authors := make([]string, 0, len(authorIDs))
	for _, authorID := range authorIDs {
		if trimmed := strings.TrimSpace(authorID); trimmed != "" {
			authors = append(authors, trimmed)
		}
	}
	if len(authors) == 0 {
		return []Story{}, nil
	}
	nowMs := s.clock().UTC().UnixMilli()
	var stories []Story
	if err := s.db.WithContext(ctx).
		Where(queryActiveByAuthors, authors, nowMs).
		Order(orderNewestFirst).
		Find(&stories).Error; err != nil {
		s.logError(opListActive, reasonQueryFailed, err)
		return nil, apperrors.Transient(opListActive, reasonQueryFailed, err)
	}
	for index := range stories {
		stories[index].decodeCategories()
	}
	return stories, nil
}

// MarkSeen records that viewerID was shown storyID. Repeated calls are no-ops.
func (s *Service) MarkSeen(ctx context.Context, storyID, viewerID string) error {
	storyID = strings.TrimSpace(storyID)
	viewerID = strings.TrimSpace(viewerID)
	if storyID == "" || viewerID == "" {
		return apperrors.Invalid(opMarkSeen, reasonInvalidInput, errMissingViewer)
	}
	var story Story
	err := s.db.WithContext(ctx).Where("story_id = ? AND expires_at_ms > ?", storyID, s.clock().UTC().UnixMilli()).Take(&story).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound(opMarkSeen, reasonStoryMissing, errStoryExpired)
		}
		s.logError(opMarkSeen, reasonQueryFailed, err, zap.String("story_id", storyID))
		return apperrors.Transient(opMarkSeen, reasonQueryFailed, err)
	}
	view := StoryView{StoryID: storyID, ViewerID: viewerID, ViewedAtMs: s.clock().UTC().UnixMilli()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&view).Error; err != nil {
		s.logError(opMarkSeen, reasonWriteFailed, err, zap.String("story_id", storyID))
		return apperrors.Transient(opMarkSeen, reasonWriteFailed, err)
	}
	return nil
}

// SeenBy reports which of storyIDs viewerID has already been shown.
func (s *Service) SeenBy(ctx context.Context, viewerID string, storyIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(storyIDs))
	if len(storyIDs) == 0 {
		return seen, nil
	}
	var views []StoryView
	if err := s.db.WithContext(ctx).Where("viewer_id = ? AND story_id IN ?", viewerID, storyIDs).Find(&views).Error; err != nil {
		s.logError(opSeenBy, reasonQueryFailed, err, zap.String("viewer_id", viewerID))
		return nil, apperrors.Transient(opSeenBy, reasonQueryFailed, err)
	}
	for _, view := range views {
		seen[view.StoryID] = true
	}
	return seen, nil
}

// OpenViewer builds a player over the author's active stories for viewerID,
// positioned at the oldest story the viewer has not seen.
func (s *Service) OpenViewer(ctx context.Context, viewerID, authorID string) (*Player, error) {
	active, err := s.ListActive(ctx, []string{authorID})
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, apperrors.NotFound(opOpenViewer, reasonNoActiveStories, errNoActiveStories)
	}
	storyIDs := make([]string, 0, len(active))
	for _, story := range active {
		storyIDs = append(storyIDs, story.StoryID)
	}
	seen, err := s.SeenBy(ctx, viewerID, storyIDs)
	if err != nil {
		return nil, err
	}
	return NewPlayer(active, seen, s.clock()), nil
}

// Sweep deletes expired stories and their view rows. Visibility never depends on it.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	nowMs := s.clock().UTC().UnixMilli()
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []string
		if err := tx.Model(&Story{}).Where("expires_at_ms <= ?", nowMs).Pluck("story_id", &expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		if err := tx.Where("story_id IN ?", expired).Delete(&StoryView{}).Error; err != nil {
			return err
		}
		result := tx.Where("story_id IN ?", expired).Delete(&Story{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		s.logError(opSweep, reasonDeleteFailed, err)
		return 0, apperrors.Transient(opSweep, reasonDeleteFailed, err)
	}
	return deleted, nil
}

// RunSweeper calls Sweep every interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Sweep(ctx)
			if err != nil {
				continue
			}
			if deleted > 0 {
				s.logger.Info("expired stories reclaimed", zap.Int64("deleted", deleted))
			}
		}
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	s.logger.Error("stories service error", append(attrs, fields...)...)
}
