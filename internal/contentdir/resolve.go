package contentdir

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go2tv.app/mini-dlna/internal/domain"
)

const (
	RootID       = "0"
	RootParentID = "-1"
)

// Node is one resolved entry of the virtual tree.
type Node struct {
	ID       string
	ParentID string
	Title    string
	// Path is the absolute filesystem path; empty for the root.
	Path string
	// Folder is the shared folder Path descends from.
	Folder string
	Info   os.FileInfo
}

func (n Node) IsRoot() bool { return n.ID == RootID }

func (n Node) IsDir() bool { return n.IsRoot() || (n.Info != nil && n.Info.IsDir()) }

// sharedFolder pairs the configured path with its symlink-free form used for
// the containment check.
type sharedFolder struct {
	path      string
	canonical string
}

func newSharedFolders(paths []string) []sharedFolder {
	out := make([]sharedFolder, 0, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		canonical := p
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			canonical = resolved
		}
		out = append(out, sharedFolder{path: p, canonical: canonical})
	}
	return out
}

func notFound(op string, err error) error {
	if err == nil {
		err = domain.ErrNotFound
	} else {
		err = fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return domain.NewError(domain.KindPathResolution, op, err)
}

// EscapeID turns a slash separated relative path into an object id.
func EscapeID(rel string) string {
	segments := strings.Split(rel, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// cleanRelative validates a decoded relative path. Absolute paths and
// anything that climbs above the shared folder are rejected.
func cleanRelative(rel string) (string, bool) {
	if rel == "" || strings.ContainsRune(rel, 0) || strings.Contains(rel, "\\") {
		return "", false
	}
	if path.IsAbs(rel) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", false
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// Resolve maps an object id onto the tree.
func (s *Service) Resolve(id string) (Node, error) {
	if id == RootID {
		return Node{ID: RootID, ParentID: RootParentID, Title: s.rootTitle}, nil
	}
	rel, err := url.PathUnescape(id)
	if err != nil {
		return Node{}, notFound("resolve", err)
	}
	return s.ResolvePath(rel)
}

// ResolvePath maps a decoded relative path onto the tree. Shared folders are
// tried in configured order and the first existing match wins; the match must
// still lie inside its folder once symlinks are resolved.
func (s *Service) ResolvePath(rel string) (Node, error) {
	cleaned, ok := cleanRelative(rel)
	if !ok {
		return Node{}, notFound("resolve", fmt.Errorf("rejected path %q", rel))
	}

	for _, folder := range s.folders {
		candidate := filepath.Join(folder.path, filepath.FromSlash(cleaned))
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if !folder.contains(candidate) {
			return Node{}, notFound("resolve", fmt.Errorf("path %q escapes its shared folder", rel))
		}
		return Node{
			ID:       EscapeID(cleaned),
			ParentID: parentID(cleaned),
			Title:    info.Name(),
			Path:     candidate,
			Folder:   folder.path,
			Info:     info,
		}, nil
	}
	return Node{}, notFound("resolve", nil)
}

// ObjectIDFor is the inverse of Resolve for paths inside a shared folder.
func (s *Service) ObjectIDFor(absPath string) (string, error) {
	absPath = filepath.Clean(absPath)
	for _, folder := range s.folders {
		rel, err := filepath.Rel(folder.path, absPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if rel == "." {
			return RootID, nil
		}
		return EscapeID(filepath.ToSlash(rel)), nil
	}
	return "", notFound("object id", fmt.Errorf("%s is outside every shared folder", absPath))
}

func parentID(rel string) string {
	dir := path.Dir(rel)
	if dir == "." || dir == "/" {
		return RootID
	}
	return EscapeID(dir)
}

func (f sharedFolder) contains(candidate string) bool {
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return false
	}
	return isSubpath(f.canonical, resolved)
}

func isSubpath(root, child string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absChild, err := filepath.Abs(child)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absChild)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// listing is the eligible content of one container.
type listing struct {
	nodes     []Node
	subtitles map[string][]string // sideCarKey -> side-car paths
	cover     string
}

// Children lists the eligible entries of a container, sorted
// case-insensitively by name.
func (s *Service) Children(node Node) ([]Node, error) {
	l, err := s.list(node)
	if err != nil {
		return nil, err
	}
	return l.nodes, nil
}

func (s *Service) list(node Node) (listing, error) {
	if !node.IsDir() {
		return listing{}, domain.NewError(domain.KindPathResolution, "list", errors.New("not a container"))
	}

	l := listing{subtitles: map[string][]string{}}
	if node.IsRoot() {
		for _, folder := range s.folders {
			if err := s.scan(folder, folder.path, "", &l); err != nil {
				s.logger.Warn("shared_folder_unreadable", slog.String("folder", folder.path), slog.String("error", err.Error()))
			}
		}
	} else {
		folder := s.folderFor(node.Folder)
		rel, err := filepath.Rel(folder.path, node.Path)
		if err != nil {
			return listing{}, notFound("list", err)
		}
		if err := s.scan(folder, node.Path, filepath.ToSlash(rel), &l); err != nil {
			return listing{}, err
		}
	}

	sort.SliceStable(l.nodes, func(i, j int) bool {
		a, b := strings.ToLower(l.nodes[i].Title), strings.ToLower(l.nodes[j].Title)
		if a != b {
			return a < b
		}
		return l.nodes[i].Title < l.nodes[j].Title
	})
	return l, nil
}

func (s *Service) folderFor(p string) sharedFolder {
	for _, f := range s.folders {
		if f.path == p {
			return f
		}
	}
	return sharedFolder{path: p, canonical: p}
}

func (s *Service) scan(folder sharedFolder, dir, rel string, l *listing) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return domain.NewError(domain.KindPathResolution, "read dir", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dir, name)

		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 && !folder.contains(full) {
			continue
		}

		if !info.IsDir() {
			if _, ok := SubtitleType(name); ok {
				key := sideCarKey(full)
				l.subtitles[key] = append(l.subtitles[key], full)
				continue
			}
			if l.cover == "" && isCoverName(name) {
				l.cover = full
			}
			if _, ok := ProfileFor(full); !ok {
				continue
			}
		}

		childRel := name
		if rel != "" && rel != "." {
			childRel = rel + "/" + name
		}
		l.nodes = append(l.nodes, Node{
			ID:       EscapeID(childRel),
			ParentID: parentID(childRel),
			Title:    name,
			Path:     full,
			Folder:   folder.path,
			Info:     info,
		})
	}
	return nil
}

// sideCarKey matches a subtitle to the video in the same directory with the
// same base name, ignoring case.
func sideCarKey(full string) string {
	return filepath.Join(filepath.Dir(full), baseName(filepath.Base(full)))
}

func isCoverName(name string) bool {
	lower := strings.ToLower(name)
	for _, c := range coverNames {
		if lower == c {
			return true
		}
	}
	return false
}

// CoverFor returns the folder image for a container id, or the image itself
// for an image item.
func (s *Service) CoverFor(id string) (string, error) {
	node, err := s.Resolve(id)
	if err != nil {
		return "", err
	}
	if !node.IsDir() {
		if p, ok := ProfileFor(node.Path); ok && p.Class == ClassImage {
			return node.Path, nil
		}
		return "", notFound("cover", errors.New("not an image"))
	}

	dirs := []string{node.Path}
	if node.IsRoot() {
		dirs = dirs[:0]
		for _, f := range s.folders {
			dirs = append(dirs, f.path)
		}
	}
	for _, dir := range dirs {
		if cover := findCover(dir); cover != "" {
			return cover, nil
		}
	}
	return "", notFound("cover", nil)
}

func findCover(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	byLower := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			byLower[strings.ToLower(e.Name())] = filepath.Join(dir, e.Name())
		}
	}
	for _, c := range coverNames {
		if p, ok := byLower[c]; ok {
			return p
		}
	}
	return ""
}

// SubtitlesFor finds side-car subtitles next to a video file.
func SubtitlesFor(videoPath string) []string {
	entries, err := os.ReadDir(filepath.Dir(videoPath))
	if err != nil {
		return nil
	}
	key := baseName(filepath.Base(videoPath))
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := SubtitleType(e.Name()); ok && baseName(e.Name()) == key {
			out = append(out, filepath.Join(filepath.Dir(videoPath), e.Name()))
		}
	}
	sort.Strings(out)
	return out
}
