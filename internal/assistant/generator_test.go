package assistant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	Unavailable
	ranked []string
}

func (g scriptedGenerator) Rank(context.Context, string, []Post, []string) ([]string, error) {
	return g.ranked, nil
}

func TestRankPostsFallsBackToReverseChronological(t *testing.T) {
	posts := []Post{
		{ID: "old", CreatedAtMs: 1},
		{ID: "new", CreatedAtMs: 3},
		{ID: "mid", CreatedAtMs: 2},
	}
	ordered, ranked := RankPosts(context.Background(), Unavailable{}, "alice", posts, nil)
	require.False(t, ranked)
	require.Equal(t, []string{"new", "mid", "old"}, ordered)

	ordered, ranked = RankPosts(context.Background(), nil, "alice", posts, nil)
	require.False(t, ranked)
	require.Equal(t, []string{"new", "mid", "old"}, ordered)
}

func TestRankPostsSanitizesGeneratorOutput(t *testing.T) {
	posts := []Post{
		{ID: "a", CreatedAtMs: 1},
		{ID: "b", CreatedAtMs: 2},
		{ID: "c", CreatedAtMs: 3},
	}
	generator := scriptedGenerator{ranked: []string{"a", "ghost", "a", "b"}}
	ordered, ranked := RankPosts(context.Background(), generator, "alice", posts, nil)
	require.True(t, ranked)
	require.Equal(t, []string{"a", "b", "c"}, ordered)

	useless := scriptedGenerator{ranked: []string{"ghost"}}
	ordered, ranked = RankPosts(context.Background(), useless, "alice", posts, nil)
	require.False(t, ranked)
	require.Equal(t, []string{"c", "b", "a"}, ordered)
}

func TestCategoriesForIgnoresFailures(t *testing.T) {
	require.Nil(t, CategoriesFor(context.Background(), Unavailable{}, Media{}))
	require.Nil(t, CategoriesFor(context.Background(), nil, Media{}))
}
