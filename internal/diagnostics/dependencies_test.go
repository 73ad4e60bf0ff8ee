package diagnostics

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestDetectDependencies(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() {
		lookPath = orig
	})

	lookPath = func(file string) (string, error) {
		switch file {
		case "ffmpeg":
			return "/usr/bin/ffmpeg", nil
		case "ffprobe":
			return "", errors.New("not found")
		default:
			return "", errors.New("not found")
		}
	}

	report := DetectDependencies("")
	if !report.FFmpeg.Found {
		t.Fatal("expected ffmpeg to be found")
	}
	if report.FFmpeg.Path != "/usr/bin/ffmpeg" {
		t.Fatalf("unexpected ffmpeg path: %s", report.FFmpeg.Path)
	}
	if report.FFprobe.Found {
		t.Fatal("expected ffprobe to be missing")
	}
	if report.AllRequiredPresent {
		t.Fatal("expected AllRequiredPresent to be false")
	}
}

func TestDetectDependenciesPrefersConfiguredFFmpeg(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() {
		lookPath = orig
	})

	var looked []string
	lookPath = func(file string) (string, error) {
		looked = append(looked, file)
		return file, nil
	}

	report := DetectDependencies(" /opt/ffmpeg/bin/ffmpeg ")
	if report.FFmpeg.Path != "/opt/ffmpeg/bin/ffmpeg" {
		t.Fatalf("unexpected ffmpeg path: %s", report.FFmpeg.Path)
	}
	if len(looked) != 2 || looked[0] != "/opt/ffmpeg/bin/ffmpeg" || looked[1] != "ffprobe" {
		t.Fatalf("unexpected lookups: %v", looked)
	}
	if !report.AllRequiredPresent {
		t.Fatal("expected AllRequiredPresent to be true")
	}
}

func TestCheckSharedFolders(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	missing := filepath.Join(dir, "missing")

	got := CheckSharedFolders([]string{dir, missing})
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if !got[0].Readable || got[0].Entries != 1 {
		t.Fatalf("unexpected status for existing folder: %+v", got[0])
	}
	if got[1].Readable || got[1].Error == "" {
		t.Fatalf("expected an error for the missing folder: %+v", got[1])
	}
}

func TestDetectNetworkAndHealth(t *testing.T) {
	origIP, origIfaces := localIP, multicastInterfaces
	t.Cleanup(func() {
		localIP, multicastInterfaces = origIP, origIfaces
	})
	localIP = func() (net.IP, error) { return net.IPv4(192, 168, 1, 5), nil }
	multicastInterfaces = func(names []string) ([]net.Interface, error) {
		return []net.Interface{{Name: "eth0"}, {Name: "wlan0"}}, nil
	}

	network := DetectNetwork(nil)
	if network.LocalIP != "192.168.1.5" || len(network.Interfaces) != 2 || network.Interfaces[1] != "wlan0" {
		t.Fatalf("unexpected network report: %+v", network)
	}
	folders := []FolderStatus{{Path: "/srv/media", Readable: true}}
	if !Healthy(folders, network) {
		t.Fatal("expected a healthy report")
	}

	multicastInterfaces = func(names []string) ([]net.Interface, error) {
		return nil, errors.New("no usable interface matches [eth9]")
	}
	network = DetectNetwork([]string{"eth9"})
	if network.Error == "" || len(network.Interfaces) != 0 {
		t.Fatalf("expected an interface error: %+v", network)
	}
	if Healthy(folders, network) {
		t.Fatal("expected an unhealthy report without interfaces")
	}
	if Healthy([]FolderStatus{{Path: "/gone"}}, NetworkReport{LocalIP: "10.0.0.2", Interfaces: []string{"eth0"}}) {
		t.Fatal("expected an unhealthy report with an unreadable folder")
	}
}
