package go2tv

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alexballas/go-ssdp"
	"github.com/dhowden/tag"
	"github.com/puzpuzpuz/xsync/v3"
	"go2tv.app/go2tv/v2/utils"

	"go2tv.app/mini-dlna/internal/adapters"
)

// Bundle wires all external adapters in one place.
type Bundle struct {
	Tags   adapters.TagReader
	Mime   adapters.MimeDetector
	Search adapters.SSDPSearcher
}

// Options controls which optional collaborators are active.
type Options struct {
	FFmpegPath string
	ReadTags   bool
}

func NewBundle(opts Options) Bundle {
	return Bundle{
		Tags:   NewTagReader(opts.FFmpegPath, opts.ReadTags),
		Mime:   MimeAdapter{},
		Search: SSDPAdapter{},
	}
}

var (
	durationForMedia = utils.DurationForMediaSeconds
	mimeFromPath     = utils.GetMimeDetailsFromPath
	ssdpSearch       = ssdp.Search
	statFile         = os.Stat
	probeVideo       = runFFprobeVideo
)

// TagReader reads durations and video sizes through ffprobe and audio tags
// through dhowden/tag. Probe results are cached per (path, size, mtime).
type TagReader struct {
	ffmpegPath  string
	readTags    bool
	durations   *xsync.MapOf[string, float64]
	resolutions *xsync.MapOf[string, string]
}

func NewTagReader(ffmpegPath string, readTags bool) *TagReader {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	return &TagReader{
		ffmpegPath:  ffmpegPath,
		readTags:    readTags,
		durations:   xsync.NewMapOf[string, float64](),
		resolutions: xsync.NewMapOf[string, string](),
	}
}

func cacheKey(path string) (string, bool) {
	info, err := statFile(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano()), true
}

func (t *TagReader) Duration(path string) (float64, bool) {
	key, ok := cacheKey(path)
	if !ok {
		return 0, false
	}
	if seconds, ok := t.durations.Load(key); ok {
		return seconds, seconds > 0
	}

	seconds, err := durationForMedia(t.ffmpegPath, path)
	if err != nil || seconds <= 0 {
		// Negative entries stop a missing ffmpeg from being re-run per Browse.
		t.durations.Store(key, 0)
		return 0, false
	}
	t.durations.Store(key, seconds)
	return seconds, true
}

// Resolution reports the first non-cover video stream's size.
func (t *TagReader) Resolution(path string) (string, bool) {
	key, ok := cacheKey(path)
	if !ok {
		return "", false
	}
	if res, ok := t.resolutions.Load(key); ok {
		return res, res != ""
	}

	res := ""
	if out, err := probeVideo(t.ffmpegPath, path); err == nil {
		res = parseResolution(out)
	}
	t.resolutions.Store(key, res)
	return res, res != ""
}

// runFFprobeVideo locates ffprobe next to ffmpeg the way go2tv does.
func runFFprobeVideo(ffmpeg, path string) ([]byte, error) {
	if err := utils.CheckFFmpeg(ffmpeg); err != nil {
		return nil, err
	}
	cmd := exec.Command(
		filepath.Join(filepath.Dir(ffmpeg), "ffprobe"),
		"-loglevel", "error",
		"-select_streams", "V:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		path,
	)
	return cmd.Output()
}

func parseResolution(out []byte) string {
	var probe struct {
		Streams []struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return ""
	}
	for _, st := range probe.Streams {
		if st.Width > 0 && st.Height > 0 {
			return fmt.Sprintf("%dx%d", st.Width, st.Height)
		}
	}
	return ""
}

func (t *TagReader) Tags(path string) map[string]string {
	out := map[string]string{}
	if !t.readTags {
		return out
	}

	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return out
	}
	put := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out[key] = value
		}
	}
	put("title", m.Title())
	put("artist", m.Artist())
	put("album", m.Album())
	put("genre", m.Genre())
	if year := m.Year(); year > 0 {
		out["year"] = fmt.Sprintf("%04d", year)
	}
	return out
}

type MimeAdapter struct{}

func (MimeAdapter) MimeType(path string) (string, error) {
	return mimeFromPath(path)
}

type SSDPAdapter struct{}

func (SSDPAdapter) Search(searchType string, waitSeconds int) ([]adapters.SSDPService, error) {
	found, err := ssdpSearch(searchType, waitSeconds, "")
	if err != nil {
		return nil, err
	}
	out := make([]adapters.SSDPService, 0, len(found))
	for _, svc := range found {
		out = append(out, adapters.SSDPService{
			Type:     svc.Type,
			USN:      svc.USN,
			Location: svc.Location,
			Server:   svc.Server,
		})
	}
	return out, nil
}

var (
	_ adapters.TagReader        = (*TagReader)(nil)
	_ adapters.ResolutionReader = (*TagReader)(nil)
	_ adapters.MimeDetector     = MimeAdapter{}
	_ adapters.SSDPSearcher     = SSDPAdapter{}
)
