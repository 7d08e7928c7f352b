package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

func conflict(files ...domain.ConflictFile) *domain.ConflictReport {
	return &domain.ConflictReport{Branch: "feature/x", Files: files}
}

func TestAbortResolver(t *testing.T) {
	res, err := AbortResolver{}.Resolve(context.Background(), conflict(domain.ConflictFile{Path: "a"}))
	require.NoError(t, err)
	assert.False(t, res.Resolved)
}

func TestStrategyResolver(t *testing.T) {
	report := conflict(
		domain.ConflictFile{Path: "a.txt", Ours: "ours\n", Theirs: "theirs\n"},
		domain.ConflictFile{Path: "gone.txt", Ours: "kept\n", TheirsDeleted: true},
	)

	res, err := StrategyResolver{Side: Theirs}.Resolve(context.Background(), report)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	assert.Equal(t, []ResolvedFile{
		{Path: "a.txt", Content: "theirs\n"},
		{Path: "gone.txt", Delete: true},
	}, res.Files)

	res, err = StrategyResolver{Side: Ours}.Resolve(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, "ours\n", res.Files[0].Content)
	assert.False(t, res.Files[1].Delete)

	_, err = StrategyResolver{Side: "middle"}.Resolve(context.Background(), report)
	assert.Error(t, err)
}

func TestUnionResolver(t *testing.T) {
	tests := []struct {
		name   string
		ours   string
		theirs string
		want   string
	}{
		{"appended both sides", "a\nb\n", "a\nc\n", "a\nb\nc\n"},
		{"identical", "a\n", "a\n", "a\n"},
		{"repeated lines kept", "x\n", "x\nx\n", "x\nx\n"},
		{"no trailing newline", "a", "b", "a\nb\n"},
		{"empty ours", "", "b\n", "b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := UnionResolver{}.Resolve(context.Background(),
				conflict(domain.ConflictFile{Path: "CHANGELOG", Ours: tt.ours, Theirs: tt.theirs}))
			require.NoError(t, err)
			require.True(t, res.Resolved)
			assert.Equal(t, tt.want, res.Files[0].Content)
		})
	}

	res, err := UnionResolver{}.Resolve(context.Background(),
		conflict(domain.ConflictFile{Path: "x", Ours: "a\n", TheirsDeleted: true}))
	require.NoError(t, err)
	assert.False(t, res.Resolved, "delete/modify cannot be unioned")
}

type fakeResolver struct {
	name string
	res  Result
	err  error
	hits int
}

func (f *fakeResolver) Name() string { return f.name }

func (f *fakeResolver) Resolve(context.Context, *domain.ConflictReport) (Result, error) {
	f.hits++
	return f.res, f.err
}

func TestChainResolver(t *testing.T) {
	failing := &fakeResolver{name: "llm", err: errors.New("rate limited")}
	declining := &fakeResolver{name: "abort"}
	winning := &fakeResolver{name: "theirs", res: Result{Resolved: true, Files: []ResolvedFile{{Path: "a"}}}}
	never := &fakeResolver{name: "ours", res: Result{Resolved: true}}

	chain := ChainResolver{failing, declining, winning, never}
	assert.Equal(t, "llm+abort+theirs+ours", chain.Name())

	res, err := chain.Resolve(context.Background(), conflict())
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, 1, winning.hits)
	assert.Equal(t, 0, never.hits)

	res, err = ChainResolver{failing, declining}.Resolve(context.Background(), conflict())
	assert.False(t, res.Resolved)
	assert.ErrorContains(t, err, "rate limited")
}

func TestNewResolver(t *testing.T) {
	r, err := NewResolver(ResolverConfig{Name: "union"})
	require.NoError(t, err)
	assert.Equal(t, "union", r.Name())

	r, err = NewResolver(ResolverConfig{Name: ""})
	require.NoError(t, err)
	assert.Equal(t, "abort", r.Name())

	r, err = NewResolver(ResolverConfig{Name: "llm, theirs", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "llm+theirs", r.Name())

	_, err = NewResolver(ResolverConfig{Name: "coinflip"})
	assert.ErrorContains(t, err, "coinflip")
}
