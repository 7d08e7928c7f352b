package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// ResolvedFile is the final content for one conflicting path
type ResolvedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// Result is what a resolver decided for a whole ConflictReport
type Result struct {
	Resolved bool
	Files    []ResolvedFile
}

// Resolver decides how to settle a conflicted merge. It must either resolve
// every conflicting path or none of them.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, report *domain.ConflictReport) (Result, error)
}

// AbortResolver never resolves, leaving the branch for manual resolution
type AbortResolver struct{}

func (AbortResolver) Name() string { return "abort" }

func (AbortResolver) Resolve(context.Context, *domain.ConflictReport) (Result, error) {
	return Result{}, nil
}

// Side selects one half of a conflict
type Side string

const (
	Ours   Side = "ours"
	Theirs Side = "theirs"
)

// StrategyResolver takes one side wholesale for every conflicting path
type StrategyResolver struct {
	Side Side
}

func (s StrategyResolver) Name() string { return string(s.Side) }

func (s StrategyResolver) Resolve(_ context.Context, report *domain.ConflictReport) (Result, error) {
	res := Result{Resolved: true}
	for _, f := range report.Files {
		switch s.Side {
		case Ours:
			res.Files = append(res.Files, ResolvedFile{Path: f.Path, Content: f.Ours, Delete: f.OursDeleted})
		case Theirs:
			res.Files = append(res.Files, ResolvedFile{Path: f.Path, Content: f.Theirs, Delete: f.TheirsDeleted})
		default:
			return Result{}, fmt.Errorf("unknown side %q", s.Side)
		}
	}
	return res, nil
}

// UnionResolver keeps our lines followed by their lines that ours does not
// already contain. It suits append-only files such as changelogs. Paths
// deleted on either side are left unresolved.
type UnionResolver struct{}

func (UnionResolver) Name() string { return "union" }

func (UnionResolver) Resolve(_ context.Context, report *domain.ConflictReport) (Result, error) {
	res := Result{Resolved: true}
	for _, f := range report.Files {
		if f.OursDeleted || f.TheirsDeleted {
			return Result{}, nil
		}
		res.Files = append(res.Files, ResolvedFile{Path: f.Path, Content: unionLines(f.Ours, f.Theirs)})
	}
	return res, nil
}

func unionLines(ours, theirs string) string {
	seen := make(map[string]int)
	ourLines := splitLines(ours)
	for _, l := range ourLines {
		seen[l]++
	}
	out := append([]string(nil), ourLines...)
	for _, l := range splitLines(theirs) {
		if seen[l] > 0 {
			seen[l]--
			continue
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// ChainResolver asks each resolver in turn; the first that resolves wins.
// Errors from earlier resolvers are skipped but returned if nothing resolves.
type ChainResolver []Resolver

func (c ChainResolver) Name() string {
	names := make([]string, 0, len(c))
	for _, r := range c {
		names = append(names, r.Name())
	}
	return strings.Join(names, "+")
}

func (c ChainResolver) Resolve(ctx context.Context, report *domain.ConflictReport) (Result, error) {
	var lastErr error
	for _, r := range c {
		res, err := r.Resolve(ctx, report)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", r.Name(), err)
			continue
		}
		if res.Resolved {
			return res, nil
		}
	}
	return Result{}, lastErr
}

// ResolverConfig selects and configures a resolver by name
type ResolverConfig struct {
	Name      string
	Model     string
	APIKey    string
	MaxTokens int
}

// NewResolver builds a resolver from a comma separated list of names
// (abort, ours, theirs, union, llm). More than one name builds a chain.
func NewResolver(cfg ResolverConfig) (Resolver, error) {
	var chain ChainResolver
	for _, name := range strings.Split(cfg.Name, ",") {
		switch strings.TrimSpace(name) {
		case "", "abort":
			chain = append(chain, AbortResolver{})
		case "ours":
			chain = append(chain, StrategyResolver{Side: Ours})
		case "theirs":
			chain = append(chain, StrategyResolver{Side: Theirs})
		case "union":
			chain = append(chain, UnionResolver{})
		case "llm":
			chain = append(chain, NewLLMResolver(cfg.APIKey, cfg.Model, cfg.MaxTokens))
		default:
			return nil, fmt.Errorf("unknown resolver %q", name)
		}
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
