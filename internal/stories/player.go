package stories

import (
	"sort"
	"sync"
	"time"
)

// AdvanceInterval is how long each story is shown before moving on.
const AdvanceInterval = 5000 * time.Millisecond

// Player sequences one author's stories for a viewer: oldest unseen first,
// advancing on a fixed timer. Manual navigation restarts the timer. The player
// closes when it moves past the last story or its story set becomes empty.
type Player struct {
	mu        sync.Mutex
	stories   []Story
	index     int
	shownAt   time.Time
	closed    bool
	listeners []func(Story)
}

// PlayerState is a snapshot suitable for rendering.
type PlayerState struct {
	Stories   []Story `json:"stories"`
	Index     int     `json:"index"`
	Closed    bool    `json:"closed"`
	AdvanceMs int64   `json:"advance_ms"`
	RemainMs  int64   `json:"remaining_ms"`
	CurrentID string  `json:"current_story_id,omitempty"`
}

// NewPlayer orders stories oldest first and starts at the first one not in seen.
// When every story was already seen it starts at the oldest.
func NewPlayer(stories []Story, seen map[string]bool, now time.Time) *Player {
	ordered := append([]Story(nil), stories...)
	sortOldestFirst(ordered)
	start := 0
	for index, story := range ordered {
		if !seen[story.StoryID] {
			start = index
			break
		}
	}
	return &Player{
		stories: ordered,
		index:   start,
		shownAt: now,
		closed:  len(ordered) == 0,
	}
}

// OnShow registers a callback invoked with each story the player moves to.
func (p *Player) OnShow(listener func(Story)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, listener)
}

// Current returns the story being shown.
func (p *Player) Current() (Story, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Story{}, false
	}
	return p.stories[p.index], true
}

// Closed reports whether the viewer has finished.
func (p *Player) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Tick advances once for every full interval elapsed since the current story
// was shown.
func (p *Player) Tick(now time.Time) (Story, bool) {
	p.mu.Lock()
	var shown []Story
	for !p.closed && now.Sub(p.shownAt) >= AdvanceInterval {
		p.shownAt = p.shownAt.Add(AdvanceInterval)
		if p.moveLocked(p.index + 1) {
			shown = append(shown, p.stories[p.index])
		}
	}
	current, ok := p.currentLocked()
	listeners := append([]func(Story){}, p.listeners...)
	p.mu.Unlock()
	notify(listeners, shown)
	return current, ok
}

// Next moves to the following story, closing past the last one.
func (p *Player) Next(now time.Time) (Story, bool) {
	return p.step(now, 1)
}

// Prev moves to the preceding story; at the first story it restarts it.
func (p *Player) Prev(now time.Time) (Story, bool) {
	return p.step(now, -1)
}

func (p *Player) step(now time.Time, delta int) (Story, bool) {
	p.mu.Lock()
	var shown []Story
	if !p.closed {
		target := p.index + delta
		if target < 0 {
			target = 0
		}
		p.shownAt = now
		if p.moveLocked(target) {
			shown = append(shown, p.stories[p.index])
		}
	}
	current, ok := p.currentLocked()
	listeners := append([]func(Story){}, p.listeners...)
	p.mu.Unlock()
	notify(listeners, shown)
	return current, ok
}

// Refresh replaces the story set with the currently active one. The current
// story is kept when still active; otherwise the player moves to the next
// newer story, and closes when none is left.
func (p *Player) Refresh(active []Story, now time.Time) (Story, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Story{}, false
	}
	current := p.stories[p.index]
	ordered := append([]Story(nil), active...)
	sortOldestFirst(ordered)
	p.stories = ordered
	if len(ordered) == 0 {
		p.closed = true
		return Story{}, false
	}
	for index, story := range ordered {
		if story.StoryID == current.StoryID {
			p.index = index
			return story, true
		}
	}
	for index, story := range ordered {
		if story.CreatedAtMs > current.CreatedAtMs || (story.CreatedAtMs == current.CreatedAtMs && story.StoryID > current.StoryID) {
			p.index = index
			p.shownAt = now
			return story, true
		}
	}
	p.closed = true
	return Story{}, false
}

// State snapshots the player at now.
func (p *Player) State(now time.Time) PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := PlayerState{
		Stories:   append([]Story(nil), p.stories...),
		Index:     p.index,
		Closed:    p.closed,
		AdvanceMs: AdvanceInterval.Milliseconds(),
	}
	if !p.closed {
		state.CurrentID = p.stories[p.index].StoryID
		remaining := AdvanceInterval - now.Sub(p.shownAt)
		if remaining < 0 {
			remaining = 0
		}
		state.RemainMs = remaining.Milliseconds()
	}
	return state
}

func (p *Player) moveLocked(target int) bool {
	if target >= len(p.stories) {
		p.closed = true
		return false
	}
	p.index = target
	return true
}

func (p *Player) currentLocked() (Story, bool) {
	if p.closed {
		return Story{}, false
	}
	return p.stories[p.index], true
}

func notify(listeners []func(Story), shown []Story) {
	for _, story := range shown {
		for _, listener := range listeners {
			listener(story)
		}
	}
}

func sortOldestFirst(stories []Story) {
	sort.SliceStable(stories, func(i, j int) bool {
		if stories[i].CreatedAtMs != stories[j].CreatedAtMs {
			return stories[i].CreatedAtMs < stories[j].CreatedAtMs
		}
		return stories[i].StoryID < stories[j].StoryID
	})
}
