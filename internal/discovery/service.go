package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"go2tv.app/mini-dlna/internal/adapters"
	"go2tv.app/mini-dlna/internal/domain"
)

const (
	MediaServerType = "urn:schemas-upnp-org:device:MediaServer:1"

	defaultTimeoutMS         = 2500
	reachabilityWait         = 400 * time.Millisecond
	defaultSearchWaitSeconds = 1
	maxPerAttemptTimeoutMS   = 3000
	descriptionTimeout       = 2 * time.Second
	maxDescriptionBytes      = 1 << 20
	descriptionFetchLimit    = 4
)

var isReachableAddress = defaultReachableAddress

// Service probes the LAN for other media servers.
type Service struct {
	searcher adapters.SSDPSearcher
	client   *retryablehttp.Client
	selfUUID string
	logger   *slog.Logger
}

func NewService(searcher adapters.SSDPSearcher, selfUUID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.HTTPClient.Timeout = descriptionTimeout
	client.Logger = logger

	return &Service{
		searcher: searcher,
		client:   client,
		selfUUID: strings.ToLower(strings.TrimSpace(selfUUID)),
		logger:   logger,
	}
}

// ListMediaServers searches for MediaServer devices for at most timeoutMS and
// enriches each answer with its device description. A search that finds
// nothing before the deadline returns an empty list.
func (s *Service) ListMediaServers(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Device, error) {
	if s.searcher == nil {
		return nil, errors.New("ssdp searcher is not configured")
	}
	if timeoutMS <= 0 {
		timeoutMS = defaultTimeoutMS
	}

	resultCh := make(chan struct {
		services []adapters.SSDPService
		err      error
	}, 1)

	go func() {
		found, err := s.searchUntilTimeout(ctx, timeoutMS)
		resultCh <- struct {
			services []adapters.SSDPService
			err      error
		}{services: found, err: err}
	}()

	timeout := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return []domain.Device{}, nil
	case result := <-resultCh:
		if result.err != nil {
			return nil, domain.NewError(domain.KindNetworkTransient, "ssdp search", result.err)
		}

		devices := s.normalizeServices(result.services)
		s.describeAll(ctx, devices)
		if !includeUnreachable {
			devices = filterReachable(devices)
		}
		sortDevices(devices)
		return devices, nil
	}
}

func (s *Service) searchUntilTimeout(ctx context.Context, timeoutMS int) ([]adapters.SSDPService, error) {
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remainingMS := int(time.Until(deadline).Milliseconds())
		if remainingMS <= 0 {
			return []adapters.SSDPService{}, nil
		}

		attemptTimeoutMS := remainingMS
		if attemptTimeoutMS > maxPerAttemptTimeoutMS {
			attemptTimeoutMS = maxPerAttemptTimeoutMS
		}

		found, err := s.searcher.Search(MediaServerType, timeoutToWaitSeconds(attemptTimeoutMS))
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found, nil
		}
	}
}

func timeoutToWaitSeconds(timeoutMS int) int {
	seconds := int(math.Ceil(float64(timeoutMS) / 1000.0))
	if seconds <= 0 {
		return defaultSearchWaitSeconds
	}
	return seconds
}

// normalizeServices turns search answers into devices, one per UDN.
func (s *Service) normalizeServices(found []adapters.SSDPService) []domain.Device {
	result := make([]domain.Device, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, raw := range found {
		location := strings.TrimSpace(raw.Location)
		if location == "" {
			continue
		}
		udn := udnFromUSN(raw.USN)
		key := udn
		if key == "" {
			key = canonicalAddress(location)
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		result = append(result, domain.Device{
			ID:       stableID(udn, location),
			Name:     strings.TrimSpace(raw.Server),
			Type:     strings.TrimSpace(raw.Type),
			Location: location,
			USN:      strings.TrimSpace(raw.USN),
			Server:   strings.TrimSpace(raw.Server),
			IsSelf:   s.selfUUID != "" && strings.EqualFold(udn, "uuid:"+s.selfUUID),
		})
	}
	return result
}

func udnFromUSN(usn string) string {
	udn, _, _ := strings.Cut(strings.TrimSpace(usn), "::")
	if !strings.HasPrefix(strings.ToLower(udn), "uuid:") {
		return ""
	}
	return strings.ToLower(udn)
}

type deviceDescription struct {
	Device struct {
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

// describeAll fills names from each device's description document. A failed
// fetch keeps the SSDP SERVER header as the name.
func (s *Service) describeAll(ctx context.Context, devices []domain.Device) {
	var g errgroup.Group
	g.SetLimit(descriptionFetchLimit)
	for i := range devices {
		dev := &devices[i]
		g.Go(func() error {
			desc, err := s.fetchDescription(ctx, dev.Location)
			if err != nil {
				s.logger.Debug("probe_description_failed",
					slog.String("location", dev.Location),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if name := strings.TrimSpace(desc.Device.FriendlyName); name != "" {
				dev.Name = name
			}
			dev.Manufacturer = strings.TrimSpace(desc.Device.Manufacturer)
			dev.ModelName = strings.TrimSpace(desc.Device.ModelName)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) fetchDescription(ctx context.Context, location string) (deviceDescription, error) {
	var desc deviceDescription

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return desc, domain.NewError(domain.KindProtocolParse, "build description request", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return desc, domain.NewError(domain.KindNetworkTransient, "fetch description", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return desc, domain.NewError(domain.KindNetworkTransient, "fetch description", fmt.Errorf("unexpected status %s", resp.Status))
	}
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxDescriptionBytes)).Decode(&desc); err != nil {
		return desc, domain.NewError(domain.KindProtocolParse, "decode description", err)
	}
	return desc, nil
}

func filterReachable(all []domain.Device) []domain.Device {
	filtered := make([]domain.Device, 0, len(all))
	for _, dev := range all {
		if dev.IsSelf || isReachableAddress(dev.Location, reachabilityWait) {
			filtered = append(filtered, dev)
		}
	}
	return filtered
}

// sortDevices orders other servers by name, then location, and puts this
// server last.
func sortDevices(all []domain.Device) {
	sort.Slice(all, func(i, j int) bool {
		if all[i].IsSelf != all[j].IsSelf {
			return !all[i].IsSelf
		}
		if strings.ToLower(all[i].Name) != strings.ToLower(all[j].Name) {
			return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
		}
		if strings.ToLower(all[i].Location) != strings.ToLower(all[j].Location) {
			return strings.ToLower(all[i].Location) < strings.ToLower(all[j].Location)
		}
		return all[i].ID < all[j].ID
	})
}

func stableID(udn, location string) string {
	canonical := udn
	if canonical == "" {
		canonical = canonicalAddress(location)
	}
	sum := sha1.Sum([]byte("dlna|" + canonical))
	return "dev_" + hex.EncodeToString(sum[:8])
}

func canonicalAddress(address string) string {
	parsed, err := url.Parse(address)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(address))
	}

	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			port = "443"
		} else {
			port = "80"
		}
	}

	path := strings.TrimSpace(strings.ToLower(parsed.EscapedPath()))
	if path == "" {
		path = "/"
	}

	return fmt.Sprintf("%s://%s:%s%s", strings.ToLower(parsed.Scheme), host, port, path)
}

func defaultReachableAddress(address string, timeout time.Duration) bool {
	parsed, err := url.Parse(address)
	if err != nil {
		return false
	}

	hostPort := parsed.Host
	if hostPort == "" {
		return false
	}
	if parsed.Port() == "" {
		if strings.EqualFold(parsed.Scheme, "https") {
			hostPort = net.JoinHostPort(parsed.Hostname(), "443")
		} else {
			hostPort = net.JoinHostPort(parsed.Hostname(), "80")
		}
	}

	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
