package adapters

import "context"

// TagReader supplies best-effort media metadata. Implementations must not
// fail loudly: missing data is reported through the boolean or an empty map.
type TagReader interface {
	Duration(path string) (float64, bool)
	Tags(path string) map[string]string
}

// ResolutionReader is implemented by tag readers that can report the pixel
// size of a video as "WIDTHxHEIGHT".
type ResolutionReader interface {
	Resolution(path string) (string, bool)
}

// SearchHit is one match produced by a Searcher.
type SearchHit struct {
	Path  string
	Score float64
	Title string
}

// Searcher backs the ContentDirectory Search action. The content directory
// works without one.
type Searcher interface {
	Search(ctx context.Context, query, class string, limit int) ([]SearchHit, error)
}

// SSDPService is one answer to an outgoing M-SEARCH.
type SSDPService struct {
	Type     string
	USN      string
	Location string
	Server   string
}

// SSDPSearcher sends M-SEARCH requests on behalf of the LAN probe.
type SSDPSearcher interface {
	Search(searchType string, waitSeconds int) ([]SSDPService, error)
}

// MimeDetector sniffs a file's MIME type. It never decides whether a file is
// listed, only which type an already eligible file is served with.
type MimeDetector interface {
	MimeType(path string) (string, error)
}
