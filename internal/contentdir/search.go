package contentdir

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var (
	quotedTerm   = regexp.MustCompile(`(dc:title|upnp:artist|upnp:album|upnp:genre|dc:creator)\s+(?:contains|=)\s+"((?:[^"\\]|\\.)*)"`)
	derivedClass = regexp.MustCompile(`upnp:class\s+(?:derivedfrom|=)\s+"([^"]*)"`)
)

// Criteria is the subset of a UPnP SearchCriteria string the searcher needs.
type Criteria struct {
	Query string
	Class string
}

// ParseCriteria extracts the first text term and class restriction. "*"
// matches everything.
func ParseCriteria(raw string) Criteria {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return Criteria{}
	}
	var c Criteria
	if m := quotedTerm.FindStringSubmatch(raw); m != nil {
		c.Query = strings.ReplaceAll(m[2], `\"`, `"`)
	}
	if m := derivedClass.FindStringSubmatch(raw); m != nil {
		c.Class = m[1]
	}
	return c
}

// Search runs the optional searcher and renders its hits below the
// requested container. Without a searcher the result is always empty.
func (s *Service) Search(ctx context.Context, req SearchRequest, host string) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("search_panic", slog.String("criteria", req.SearchCriteria), slog.String("panic", fmt.Sprint(rec)))
			res = s.empty()
		}
	}()
	if s.searcher == nil {
		return s.empty()
	}

	container, err := s.Resolve(req.ContainerID)
	if err != nil || !container.IsDir() {
		s.logger.Warn("search_failed", slog.String("container_id", req.ContainerID), slog.String("error", fmt.Sprint(err)))
		return s.empty()
	}

	criteria := ParseCriteria(req.SearchCriteria)
	limit := s.maxResults
	if limit <= 0 {
		limit = 200
	}
	hits, err := s.searcher.Search(ctx, criteria.Query, criteria.Class, limit)
	if err != nil {
		s.logger.Warn("search_failed", slog.String("criteria", req.SearchCriteria), slog.String("error", err.Error()))
		return s.empty()
	}

	nodes := make([]Node, 0, len(hits))
	for _, hit := range hits {
		if !container.IsRoot() && !isSubpath(container.Path, hit.Path) {
			continue
		}
		id, err := s.ObjectIDFor(hit.Path)
		if err != nil {
			continue
		}
		node, err := s.Resolve(id)
		if err != nil || node.IsDir() {
			continue
		}
		if hit.Title != "" {
			node.Title = hit.Title
		}
		nodes = append(nodes, node)
	}

	page := paginate(nodes, req.StartingIndex, req.RequestedCount)
	objects := make([]any, 0, len(page))
	for _, node := range page {
		var subtitles []string
		if p, ok := ProfileFor(node.Path); ok && p.Class == ClassVideo {
			subtitles = SubtitlesFor(node.Path)
		}
		if obj, ok := s.object(node, subtitles, "", host); ok {
			objects = append(objects, obj)
		}
	}
	didl, err := renderDIDL(objects)
	if err != nil {
		s.logger.Warn("search_failed", slog.String("error", err.Error()))
		return s.empty()
	}
	return Result{DIDL: didl, NumberReturned: len(objects), TotalMatches: len(nodes), UpdateID: s.updateID}
}
