// Package stories keeps author-published media visible for a fixed window.
package stories

import (
	"encoding/json"
	"time"
)

// Lifetime is how long a story stays visible after publication.
const Lifetime = 24 * time.Hour

// MediaRef points at media already placed in object storage.
type MediaRef struct {
	URL      string `json:"url"`
	Address  string `json:"address"`
	Kind     string `json:"kind"`
	FileName string `json:"file_name,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Story is immutable once created; visibility is a function of ExpiresAtMs alone.
type Story struct {
	StoryID        string   `gorm:"column:story_id;primaryKey;size:64;not null" json:"story_id"`
	AuthorID       string   `gorm:"column:author_id;size:190;not null;index:idx_stories_author_expiry,priority:1" json:"author_id"`
	MediaURL       string   `gorm:"column:media_url;size:1024;not null" json:"media_url"`
	MediaAddress   string   `gorm:"column:media_address;size:190;not null;default:''" json:"media_address,omitempty"`
	MediaKind      string   `gorm:"column:media_kind;size:32;not null;default:''" json:"media_kind,omitempty"`
	Caption        string   `gorm:"column:caption;type:text;not null;default:''" json:"caption,omitempty"`
	CreatedAtMs    int64    `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
	ExpiresAtMs    int64    `gorm:"column:expires_at_ms;not null;index:idx_stories_author_expiry,priority:2;index" json:"expires_at_ms"`
	CategoriesJSON string   `gorm:"column:categories;type:text;not null;default:'[]'" json:"-"`
	Categories     []string `gorm:"-" json:"categories"`
}

func (Story) TableName() string {
	return "stories"
}

// VisibleAt reports whether the story is still inside its window at nowMs.
func (s Story) VisibleAt(nowMs int64) bool {
	return nowMs < s.ExpiresAtMs
}

func (s *Story) decodeCategories() {
	s.Categories = []string{}
	if s.CategoriesJSON == "" {
		return
	}
	var categories []string
	if err := json.Unmarshal([]byte(s.CategoriesJSON), &categories); err == nil && categories != nil {
		s.Categories = categories
	}
}

// StoryView records that a viewer has been shown a story.
type StoryView struct {
	StoryID    string `gorm:"column:story_id;primaryKey;size:64;not null"`
	ViewerID   string `gorm:"column:viewer_id;primaryKey;size:190;not null"`
	ViewedAtMs int64  `gorm:"column:viewed_at_ms;not null"`
}

func (StoryView) TableName() string {
	return "story_views"
}
