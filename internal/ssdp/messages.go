package ssdp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	MulticastAddr = "239.255.255.250:1900"

	DeviceType            = "urn:schemas-upnp-org:device:MediaServer:1"
	ContentDirectoryType  = "urn:schemas-upnp-org:service:ContentDirectory:1"
	ConnectionManagerType = "urn:schemas-upnp-org:service:ConnectionManager:1"
	AVTransportType       = "urn:schemas-upnp-org:service:AVTransport:1"
	rootDevice            = "upnp:rootdevice"
	searchAll             = "ssdp:all"
	discoverMAN           = `"ssdp:discover"`
	searchRequestLine     = "M-SEARCH * HTTP/1.1"
	ntsAlive              = "ssdp:alive"
	ntsByebye             = "ssdp:byebye"
	dlnaDoc               = "DMS-1.50"
)

// Advertisement is one (NT, USN) pair announced per cycle.
type Advertisement struct {
	NT  string
	USN string
}

// Advertisements returns the six advertisements of a device, root device
// first.
func Advertisements(uuid string) []Advertisement {
	udn := "uuid:" + uuid
	out := []Advertisement{
		{NT: rootDevice, USN: udn + "::" + rootDevice},
		{NT: udn, USN: udn},
	}
	for _, t := range []string{DeviceType, ContentDirectoryType, ConnectionManagerType, AVTransportType} {
		out = append(out, Advertisement{NT: t, USN: udn + "::" + t})
	}
	return out
}

// identity is what every outgoing message carries.
type identity struct {
	location string
	server   string
	maxAge   int
}

func (id identity) notify(adv Advertisement, nts string) []byte {
	var b strings.Builder
	b.WriteString("NOTIFY * HTTP/1.1\r\n")
	b.WriteString("HOST: " + MulticastAddr + "\r\n")
	fmt.Fprintf(&b, "CACHE-CONTROL: max-age=%d\r\n", id.maxAge)
	b.WriteString("LOCATION: " + id.location + "\r\n")
	b.WriteString("SERVER: " + id.server + "\r\n")
	b.WriteString("NT: " + adv.NT + "\r\n")
	b.WriteString("NTS: " + nts + "\r\n")
	b.WriteString("USN: " + adv.USN + "\r\n")
	b.WriteString("X-DLNADOC: " + dlnaDoc + "\r\n")
	b.WriteString("X-DLNACAP: \r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (id identity) searchResponse(adv Advertisement, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&b, "CACHE-CONTROL: max-age=%d\r\n", id.maxAge)
	b.WriteString("DATE: " + at.UTC().Format(http.TimeFormat) + "\r\n")
	b.WriteString("EXT: \r\n")
	b.WriteString("LOCATION: " + id.location + "\r\n")
	b.WriteString("SERVER: " + id.server + "\r\n")
	b.WriteString("ST: " + adv.NT + "\r\n")
	b.WriteString("USN: " + adv.USN + "\r\n")
	b.WriteString("X-DLNADOC: " + dlnaDoc + "\r\n")
	b.WriteString("X-DLNACAP: \r\n")
	b.WriteString("Content-Length: 0\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

var (
	errNotSearch = errors.New("not an M-SEARCH request")
	errBadMAN    = errors.New(`MAN is not "ssdp:discover"`)
)

// parseSearch validates an M-SEARCH datagram and returns its ST. Datagrams
// that are not searches or carry the wrong MAN return errNotSearch or
// errBadMAN; anything undecodable returns another error.
func parseSearch(data []byte) (string, error) {
	firstLine, _, _ := bytes.Cut(data, []byte("\n"))
	if !strings.Contains(string(firstLine), searchRequestLine) {
		return "", errNotSearch
	}

	raw := data
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) {
		raw = append(bytes.TrimRight(append([]byte(nil), raw...), "\r\n"), "\r\n\r\n"...)
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return "", fmt.Errorf("decode M-SEARCH: %w", err)
	}
	if strings.TrimSpace(req.Header.Get("MAN")) != discoverMAN {
		return "", errBadMAN
	}
	return strings.TrimSpace(req.Header.Get("ST")), nil
}

// targetsFor maps a search target onto the advertisements to answer with.
// ssdp:all is answered once, as the root device.
func targetsFor(st string, ads []Advertisement) []Advertisement {
	if st == searchAll {
		return ads[:1]
	}
	for _, adv := range ads {
		if adv.NT == st {
			return []Advertisement{adv}
		}
	}
	return nil
}
