package diagnostics

import (
	"os"
	"os/exec"
	"strings"
)

var lookPath = exec.LookPath

type BinaryStatus struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

// DependencyReport covers the external tools used for media durations. Both
// are optional: without them items simply carry no duration.
type DependencyReport struct {
	FFmpeg             BinaryStatus `json:"ffmpeg"`
	FFprobe            BinaryStatus `json:"ffprobe"`
	AllRequiredPresent bool         `json:"all_required_present"`
}

// DetectDependencies looks up ffmpeg and ffprobe. A configured ffmpeg path
// takes precedence over PATH lookup.
func DetectDependencies(ffmpegPath string) DependencyReport {
	ffmpegName := "ffmpeg"
	if p := strings.TrimSpace(ffmpegPath); p != "" {
		ffmpegName = p
	}
	ffmpeg := detectBinary(ffmpegName)
	ffprobe := detectBinary("ffprobe")

	return DependencyReport{
		FFmpeg:             ffmpeg,
		FFprobe:            ffprobe,
		AllRequiredPresent: ffmpeg.Found && ffprobe.Found,
	}
}

func detectBinary(name string) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Found: false}
	}

	return BinaryStatus{
		Found: true,
		Path:  path,
	}
}

var readDir = os.ReadDir

type FolderStatus struct {
	Path     string `json:"path"`
	Readable bool   `json:"readable"`
	Entries  int    `json:"entries"`
	Error    string `json:"error,omitempty"`
}

// CheckSharedFolders reports whether each shared folder can be listed.
func CheckSharedFolders(paths []string) []FolderStatus {
	out := make([]FolderStatus, 0, len(paths))
	for _, p := range paths {
		entries, err := readDir(p)
		if err != nil {
			out = append(out, FolderStatus{Path: p, Error: err.Error()})
			continue
		}
		out = append(out, FolderStatus{Path: p, Readable: true, Entries: len(entries)})
	}
	return out
}
