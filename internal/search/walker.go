// Package search is a filename searcher over the shared folders. It walks
// the tree on every query, like Browse.
package search

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"go2tv.app/mini-dlna/internal/adapters"
	"go2tv.app/mini-dlna/internal/contentdir"
)

const (
	scoreExact    = 1.0
	scorePrefix   = 0.8
	scoreContains = 0.5
)

type Walker struct {
	roots  []string
	logger *slog.Logger
}

func NewWalker(roots []string, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Walker{roots: append([]string(nil), roots...), logger: logger}
}

// Search scores media files by how their base name matches query and keeps
// those whose class derives from class. An empty query matches everything.
func (w *Walker) Search(ctx context.Context, query, class string, limit int) ([]adapters.SearchHit, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	var hits []adapters.SearchHit

	for _, root := range w.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				w.logger.Debug("search_walk_skip", slog.String("path", path), slog.String("error", err.Error()))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				return nil
			}
			profile, ok := contentdir.ProfileFor(d.Name())
			if !ok || !derivesFrom(profile.Class, class) {
				return nil
			}
			title := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
			score := scoreName(strings.ToLower(title), needle)
			if score == 0 {
				return nil
			}
			hits = append(hits, adapters.SearchHit{Path: path, Score: score, Title: title})
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.logger.Warn("search_root_failed", slog.String("root", root), slog.String("error", err.Error()))
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return strings.ToLower(hits[i].Path) < strings.ToLower(hits[j].Path)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func scoreName(name, needle string) float64 {
	switch {
	case needle == "":
		return scoreContains
	case name == needle:
		return scoreExact
	case strings.HasPrefix(name, needle):
		return scorePrefix
	case strings.Contains(name, needle):
		return scoreContains
	}
	return 0
}

// derivesFrom implements "upnp:class derivedfrom". Classes are dotted
// hierarchies, so a prefix match on a segment boundary is enough.
func derivesFrom(class, base string) bool {
	base = strings.TrimSpace(base)
	if base == "" {
		return true
	}
	return class == base || strings.HasPrefix(class, base+".")
}

var _ adapters.Searcher = (*Walker)(nil)
