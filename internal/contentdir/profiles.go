package contentdir

import (
	"path/filepath"
	"sort"
	"strings"
)

const (
	ClassFolder = "object.container.storageFolder"
	ClassVideo  = "object.item.videoItem.movie"
	ClassAudio  = "object.item.audioItem.musicTrack"
	ClassImage  = "object.item.imageItem.photo"
)

// Profile is what the extension table knows about a media file.
type Profile struct {
	MIME  string
	Class string
	// DLNA is the DLNA.ORG_PN value, empty when no profile fits reliably.
	DLNA string
}

func (p Profile) IsAV() bool {
	return p.Class == ClassVideo || p.Class == ClassAudio
}

var profiles = map[string]Profile{
	".mp4":  {MIME: "video/mp4", Class: ClassVideo},
	".m4v":  {MIME: "video/mp4", Class: ClassVideo},
	".mkv":  {MIME: "video/x-matroska", Class: ClassVideo},
	".avi":  {MIME: "video/avi", Class: ClassVideo},
	".mov":  {MIME: "video/quicktime", Class: ClassVideo},
	".wmv":  {MIME: "video/x-ms-wmv", Class: ClassVideo},
	".mpg":  {MIME: "video/mpeg", Class: ClassVideo, DLNA: "MPEG_PS_PAL"},
	".mpeg": {MIME: "video/mpeg", Class: ClassVideo, DLNA: "MPEG_PS_PAL"},
	".ts":   {MIME: "video/vnd.dlna.mpeg-tts", Class: ClassVideo},
	".m2ts": {MIME: "video/vnd.dlna.mpeg-tts", Class: ClassVideo},
	".webm": {MIME: "video/webm", Class: ClassVideo},
	".flv":  {MIME: "video/x-flv", Class: ClassVideo},
	".3gp":  {MIME: "video/3gpp", Class: ClassVideo},

	".mp3":  {MIME: "audio/mpeg", Class: ClassAudio, DLNA: "MP3"},
	".flac": {MIME: "audio/flac", Class: ClassAudio},
	".m4a":  {MIME: "audio/mp4", Class: ClassAudio, DLNA: "AAC_ISO_320"},
	".aac":  {MIME: "audio/aac", Class: ClassAudio},
	".wav":  {MIME: "audio/wav", Class: ClassAudio},
	".ogg":  {MIME: "audio/ogg", Class: ClassAudio},
	".oga":  {MIME: "audio/ogg", Class: ClassAudio},
	".opus": {MIME: "audio/ogg", Class: ClassAudio},
	".wma":  {MIME: "audio/x-ms-wma", Class: ClassAudio, DLNA: "WMABASE"},

	".jpg":  {MIME: "image/jpeg", Class: ClassImage, DLNA: "JPEG_LRG"},
	".jpeg": {MIME: "image/jpeg", Class: ClassImage, DLNA: "JPEG_LRG"},
	".png":  {MIME: "image/png", Class: ClassImage, DLNA: "PNG_LRG"},
	".gif":  {MIME: "image/gif", Class: ClassImage},
	".bmp":  {MIME: "image/bmp", Class: ClassImage},
	".webp": {MIME: "image/webp", Class: ClassImage},
}

var subtitleTypes = map[string]string{
	".srt": "text/srt",
	".vtt": "text/vtt",
	".ass": "text/x-ass",
	".ssa": "text/x-ssa",
	".sub": "text/x-microdvd",
}

// coverNames are folder images advertised as album art, in priority order.
var coverNames = []string{"folder.jpg", "cover.jpg", "poster.jpg", "folder.png", "cover.png"}

// ProfileFor looks a file name up in the extension table.
func ProfileFor(name string) (Profile, bool) {
	p, ok := profiles[strings.ToLower(filepath.Ext(name))]
	return p, ok
}

// SubtitleType returns the MIME type of a subtitle side-car.
func SubtitleType(name string) (string, bool) {
	mime, ok := subtitleTypes[strings.ToLower(filepath.Ext(name))]
	return mime, ok
}

// ProtocolInfo lists every MIME type the table can serve, for
// ConnectionManager GetProtocolInfo.
func ProtocolInfo() string {
	seen := map[string]bool{}
	var parts []string
	for _, ext := range sortedExtensions() {
		mime := profiles[ext].MIME
		if seen[mime] {
			continue
		}
		seen[mime] = true
		parts = append(parts, "http-get:*:"+mime+":*")
	}
	return strings.Join(parts, ",")
}

func sortedExtensions() []string {
	out := make([]string, 0, len(profiles))
	for ext := range profiles {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func baseName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
}
