// Package assistant wraps the hosted generation endpoints behind deterministic fallbacks.
package assistant

import (
	"context"
	"errors"
	"sort"
)

// ErrUnavailable is returned when no generation endpoint is configured.
var ErrUnavailable = errors.New("assistant: generation endpoint unavailable")

// Role names the author of a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message given to the chat endpoint.
type Turn struct {
	Role Role
	Text string
}

// Post is a feed candidate to rank.
type Post struct {
	ID          string   `json:"id"`
	AuthorID    string   `json:"author_id"`
	CreatedAtMs int64    `json:"created_at_ms"`
	Caption     string   `json:"caption,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// Media describes an upload to categorize.
type Media struct {
	URL      string
	Kind     string
	FileName string
	Caption  string
}

// Generator is the opaque AI oracle: chat replies, feed ranking, categorization.
type Generator interface {
	Chat(ctx context.Context, prompt string, history []Turn) (string, error)
	Rank(ctx context.Context, userID string, posts []Post, contactIDs []string) ([]string, error)
	Categorize(ctx context.Context, media Media) ([]string, error)
}

// Unavailable answers every call with ErrUnavailable so callers take their fallbacks.
type Unavailable struct{}

func (Unavailable) Chat(context.Context, string, []Turn) (string, error) {
	return "", ErrUnavailable
}

func (Unavailable) Rank(context.Context, string, []Post, []string) ([]string, error) {
	return nil, ErrUnavailable
}

func (Unavailable) Categorize(context.Context, Media) ([]string, error) {
	return nil, ErrUnavailable
}

// ReverseChronological orders post ids newest first, ties by id.
func ReverseChronological(posts []Post) []string {
	ordered := append([]Post(nil), posts...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAtMs != ordered[j].CreatedAtMs {
			return ordered[i].CreatedAtMs > ordered[j].CreatedAtMs
		}
		return ordered[i].ID < ordered[j].ID
	})
	ids := make([]string, 0, len(ordered))
	for _, post := range ordered {
		ids = append(ids, post.ID)
	}
	return ids
}

// RankPosts asks the generator for an ordering. An error falls back to
// reverse-chronological order; unknown or duplicated ids are discarded and
// posts the ranking omitted are appended newest first.
func RankPosts(ctx context.Context, generator Generator, userID string, posts []Post, contactIDs []string) ([]string, bool) {
	fallback := ReverseChronological(posts)
	if generator == nil || len(posts) == 0 {
		return fallback, false
	}
	ranked, err := generator.Rank(ctx, userID, posts, contactIDs)
	if err != nil || len(ranked) == 0 {
		return fallback, false
	}
	known := make(map[string]bool, len(posts))
	for _, post := range posts {
		known[post.ID] = true
	}
	placed := make(map[string]bool, len(posts))
	ordered := make([]string, 0, len(posts))
	for _, id := range ranked {
		if known[id] && !placed[id] {
			ordered = append(ordered, id)
			placed[id] = true
		}
	}
	if len(ordered) == 0 {
		return fallback, false
	}
	for _, id := range fallback {
		if !placed[id] {
			ordered = append(ordered, id)
		}
	}
	return ordered, true
}

// CategoriesFor returns the generator's categories, or none on failure.
func CategoriesFor(ctx context.Context, generator Generator, media Media) []string {
	if generator == nil {
		return nil
	}
	categories, err := generator.Categorize(ctx, media)
	if err != nil {
		return nil
	}
	return categories
}
