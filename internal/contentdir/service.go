package contentdir

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/dms/dlna"
	"github.com/anacrolix/dms/upnp"

	"go2tv.app/mini-dlna/internal/adapters"
	"go2tv.app/mini-dlna/internal/metrics"
)

const (
	BrowseMetadata       = "BrowseMetadata"
	BrowseDirectChildren = "BrowseDirectChildren"
)

const featureList = `<Features xmlns="urn:schemas-upnp-org:av:avs" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:schemaLocation="urn:schemas-upnp-org:av:avs http://www.upnp.org/schemas/av/avs.xsd">` +
	`<Feature name="samsung.com_BASICVIEW" version="1">` +
	`<container id="0" type="object.item.imageItem"/>` +
	`<container id="0" type="object.item.audioItem"/>` +
	`<container id="0" type="object.item.videoItem"/>` +
	`</Feature></Features>`

var now = time.Now

type Options struct {
	SharedPaths []string
	RootTitle   string
	// Tags, Mime and Searcher are optional collaborators.
	Tags             adapters.TagReader
	Mime             adapters.MimeDetector
	Searcher         adapters.Searcher
	MaxSearchResults int
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

type Service struct {
	folders    []sharedFolder
	rootTitle  string
	tags       adapters.TagReader
	mime       adapters.MimeDetector
	searcher   adapters.Searcher
	maxResults int
	updateID   uint32
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	title := opts.RootTitle
	if title == "" {
		title = "root"
	}
	return &Service{
		folders:    newSharedFolders(opts.SharedPaths),
		rootTitle:  title,
		tags:       opts.Tags,
		mime:       opts.Mime,
		searcher:   opts.Searcher,
		maxResults: opts.MaxSearchResults,
		updateID:   uint32(now().Unix()),
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

type BrowseRequest struct {
	ObjectID       string `xml:"ObjectID"`
	BrowseFlag     string `xml:"BrowseFlag"`
	Filter         string `xml:"Filter"`
	StartingIndex  int    `xml:"StartingIndex"`
	RequestedCount int    `xml:"RequestedCount"`
	SortCriteria   string `xml:"SortCriteria"`
}

type SearchRequest struct {
	ContainerID    string `xml:"ContainerID"`
	SearchCriteria string `xml:"SearchCriteria"`
	Filter         string `xml:"Filter"`
	StartingIndex  int    `xml:"StartingIndex"`
	RequestedCount int    `xml:"RequestedCount"`
	SortCriteria   string `xml:"SortCriteria"`
}

// Result is the payload of a Browse or Search response.
type Result struct {
	DIDL           string
	NumberReturned int
	TotalMatches   int
	UpdateID       uint32
}

func (r Result) Args() map[string]string {
	return map[string]string{
		"Result":         r.DIDL,
		"NumberReturned": strconv.Itoa(r.NumberReturned),
		"TotalMatches":   strconv.Itoa(r.TotalMatches),
		"UpdateID":       strconv.FormatUint(uint64(r.UpdateID), 10),
	}
}

func (s *Service) empty() Result {
	return Result{DIDL: EmptyDIDL, UpdateID: s.updateID}
}

// Handle dispatches one ContentDirectory action. Browse and Search never
// return an error; unknown actions map to a UPnP fault.
func (s *Service) Handle(ctx context.Context, action string, argsXML []byte, host string) (map[string]string, error) {
	switch action {
	case "Browse":
		var req BrowseRequest
		if err := xml.Unmarshal(argsXML, &req); err != nil {
			s.logger.Warn("browse_bad_arguments", slog.String("error", err.Error()))
			s.metrics.Browse("", "bad_arguments")
			return s.empty().Args(), nil
		}
		return s.Browse(ctx, req, host).Args(), nil
	case "Search":
		var req SearchRequest
		if err := xml.Unmarshal(argsXML, &req); err != nil {
			s.logger.Warn("search_bad_arguments", slog.String("error", err.Error()))
			return s.empty().Args(), nil
		}
		return s.Search(ctx, req, host).Args(), nil
	case "GetSystemUpdateID":
		return map[string]string{"Id": strconv.FormatUint(uint64(s.updateID), 10)}, nil
	case "GetSortCapabilities":
		return map[string]string{"SortCaps": "dc:title"}, nil
	case "GetSearchCapabilities":
		caps := ""
		if s.searcher != nil {
			caps = "dc:title,upnp:class"
		}
		return map[string]string{"SearchCaps": caps}, nil
	case "X_GetFeatureList":
		return map[string]string{"FeatureList": featureList}, nil
	case "X_SetBookmark":
		return map[string]string{}, nil
	default:
		return nil, upnp.InvalidActionError
	}
}

// Browse answers BrowseMetadata and BrowseDirectChildren. Every failure,
// panics included, degrades to an empty document.
func (s *Service) Browse(ctx context.Context, req BrowseRequest, host string) (res Result) {
	started := now()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("browse_panic",
				slog.String("object_id", req.ObjectID),
				slog.String("flag", req.BrowseFlag),
				slog.String("panic", fmt.Sprint(rec)),
			)
			s.metrics.Browse(req.BrowseFlag, "panic")
			res = s.empty()
		}
	}()

	res, err := s.browse(ctx, req, host)
	if err != nil {
		s.logger.Warn("browse_failed",
			slog.String("object_id", req.ObjectID),
			slog.String("flag", req.BrowseFlag),
			slog.String("error", err.Error()),
		)
		s.metrics.Browse(req.BrowseFlag, "error")
		return s.empty()
	}
	s.logger.Debug("browse",
		slog.String("object_id", req.ObjectID),
		slog.String("flag", req.BrowseFlag),
		slog.Int("returned", res.NumberReturned),
		slog.Int("total", res.TotalMatches),
		slog.Int64("duration_ms", now().Sub(started).Milliseconds()),
	)
	s.metrics.Browse(req.BrowseFlag, "ok")
	return res
}

func (s *Service) browse(ctx context.Context, req BrowseRequest, host string) (Result, error) {
	node, err := s.Resolve(req.ObjectID)
	if err != nil {
		return Result{}, err
	}

	switch req.BrowseFlag {
	case BrowseMetadata:
		var subtitles []string
		if !node.IsDir() {
			subtitles = SubtitlesFor(node.Path)
		}
		obj, ok := s.object(node, subtitles, "", host)
		if !ok {
			return Result{}, notFound("browse metadata", fmt.Errorf("%s is not a media object", req.ObjectID))
		}
		didl, err := renderDIDL([]any{obj})
		if err != nil {
			return Result{}, err
		}
		return Result{DIDL: didl, NumberReturned: 1, TotalMatches: 1, UpdateID: s.updateID}, nil

	case BrowseDirectChildren:
		l, err := s.list(node)
		if err != nil {
			return Result{}, err
		}
		page := paginate(l.nodes, req.StartingIndex, req.RequestedCount)
		objects := make([]any, 0, len(page))
		for _, child := range page {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			var art string
			if l.cover != "" {
				art = artURL(host, node.ID)
			}
			obj, ok := s.object(child, l.subtitles[sideCarKey(child.Path)], art, host)
			if !ok {
				continue
			}
			objects = append(objects, obj)
		}
		didl, err := renderDIDL(objects)
		if err != nil {
			return Result{}, err
		}
		return Result{DIDL: didl, NumberReturned: len(objects), TotalMatches: len(l.nodes), UpdateID: s.updateID}, nil

	default:
		return Result{}, fmt.Errorf("unhandled browse flag %q", req.BrowseFlag)
	}
}

// paginate returns all[start:start+count], or all[start:] when count is 0.
func paginate[T any](all []T, start, count int) []T {
	if start < 0 {
		start = 0
	}
	if start > len(all) {
		start = len(all)
	}
	out := all[start:]
	if count > 0 && count < len(out) {
		out = out[:count]
	}
	return out
}

// object renders a node. folderArt is the cover URL of the node's parent
// container, used for audio and video items.
func (s *Service) object(node Node, subtitles []string, folderArt, host string) (any, bool) {
	obj := didlObject{
		ID:       node.ID,
		ParentID: node.ParentID,
		Title:    node.Title,
	}
	if node.Info != nil {
		obj.Date = node.Info.ModTime().Format("2006-01-02")
	}

	if node.IsDir() {
		obj.Class = ClassFolder
		count := 0
		if children, err := s.Children(node); err == nil {
			count = len(children)
		}
		if cover, err := s.CoverFor(node.ID); err == nil && cover != "" && !node.IsRoot() {
			obj.AlbumArtURI = artURL(host, node.ID)
		}
		return didlContainer{ChildCount: count, Searchable: 1, didlObject: obj}, true
	}

	profile, ok := ProfileFor(node.Path)
	if !ok {
		return nil, false
	}
	obj.Class = profile.Class

	res := didlResource{
		Size: uint64(node.Info.Size()),
		URL:  MediaURL(host, node.ID),
	}
	seekable := false
	if profile.IsAV() && s.tags != nil {
		if seconds, ok := s.tags.Duration(node.Path); ok {
			res.Duration = dlna.FormatNPTTime(time.Duration(seconds * float64(time.Second)))
			seekable = true
		}
		tags := s.tags.Tags(node.Path)
		if title := tags["title"]; title != "" && profile.Class == ClassAudio {
			obj.Title = title
		}
		obj.Artist = tags["artist"]
		obj.Album = tags["album"]
		obj.Genre = tags["genre"]
		if rr, ok := s.tags.(adapters.ResolutionReader); ok && profile.Class == ClassVideo {
			res.Resolution, _ = rr.Resolution(node.Path)
		}
	}
	if profile.IsAV() {
		obj.AlbumArtURI = folderArt
	} else if profile.Class == ClassImage {
		obj.AlbumArtURI = artURL(host, node.ID)
	}
	res.ProtocolInfo = ProtocolInfoFor(profile, seekable)

	item := didlItem{didlObject: obj, Res: []didlResource{res}}
	if profile.Class == ClassVideo {
		for _, sub := range subtitles {
			mime, _ := SubtitleType(sub)
			id, err := s.ObjectIDFor(sub)
			if err != nil {
				continue
			}
			subURL := MediaURL(host, id)
			item.Res = append(item.Res, didlResource{
				ProtocolInfo: "http-get:*:" + mime + ":*",
				URL:          subURL,
			})
			item.Caption = append(item.Caption, didlCaption{
				Type: strings.TrimPrefix(filepath.Ext(sub), "."),
				URL:  subURL,
			})
		}
	}
	return item, true
}

// ProtocolInfoFor builds the res protocolInfo for a profile.
func ProtocolInfoFor(p Profile, timeSeek bool) string {
	return "http-get:*:" + p.MIME + ":" + ContentFeatures(p, timeSeek)
}

// ContentFeatures is the contentFeatures.dlna.org value for a profile.
func ContentFeatures(p Profile, timeSeek bool) string {
	return dlna.ContentFeatures{
		ProfileName:     p.DLNA,
		SupportRange:    true,
		SupportTimeSeek: timeSeek && p.IsAV(),
	}.String()
}

// refineMIME lets the optional detector correct the MIME type of an eligible
// file, as long as it stays within the same media class.
func (s *Service) refineMIME(path string, p Profile) Profile {
	if s.mime == nil {
		return p
	}
	mime, err := s.mime.MimeType(path)
	if err != nil {
		return p
	}
	mime = strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])
	major, _, _ := strings.Cut(p.MIME, "/")
	if mime == "" || mime == p.MIME || !strings.HasPrefix(mime, major+"/") {
		return p
	}
	p.MIME = mime
	// The DLNA profile name was chosen for the table's MIME type.
	p.DLNA = ""
	return p
}

// StreamInfo describes a resolved file for the streamer.
type StreamInfo struct {
	Path    string
	Profile Profile
	// SubtitleIDs are the object ids of side-car subtitles, only filled for
	// videos.
	SubtitleIDs []string
}

// Streamable resolves a decoded /media path to a file the streamer may serve:
// media files and subtitle side-cars.
func (s *Service) Streamable(rel string) (StreamInfo, error) {
	node, err := s.ResolvePath(rel)
	if err != nil {
		return StreamInfo{}, err
	}
	if node.IsDir() {
		return StreamInfo{}, notFound("stream", fmt.Errorf("%s is a directory", rel))
	}
	if mime, ok := SubtitleType(node.Path); ok {
		return StreamInfo{Path: node.Path, Profile: Profile{MIME: mime}}, nil
	}
	profile, ok := ProfileFor(node.Path)
	if !ok {
		return StreamInfo{}, notFound("stream", fmt.Errorf("%s is not a media file", rel))
	}
	info := StreamInfo{Path: node.Path, Profile: s.refineMIME(node.Path, profile)}
	if profile.Class == ClassVideo {
		for _, sub := range SubtitlesFor(node.Path) {
			if id, err := s.ObjectIDFor(sub); err == nil {
				info.SubtitleIDs = append(info.SubtitleIDs, id)
			}
		}
	}
	return info, nil
}

// MediaURL is the streaming URL for an object id.
func MediaURL(host, id string) string {
	return "http://" + host + "/media/" + id
}

func artURL(host, id string) string {
	return "http://" + host + "/art/" + url.PathEscape(id)
}
