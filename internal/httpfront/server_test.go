package httpfront

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anacrolix/dms/upnp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"go2tv.app/mini-dlna/internal/contentdir"
	"go2tv.app/mini-dlna/internal/metrics"
	"go2tv.app/mini-dlna/internal/stream"
	"go2tv.app/mini-dlna/internal/thumbcache"
)

const testUUID = "4d696e69-444c-4e41-8000-0000000000aa"

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01}

type fixture struct {
	root    string
	metrics *metrics.Metrics
	handler http.Handler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Show"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	video := make([]byte, 1000)
	for i := range video {
		video[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(root, "Show", "S01E01.mp4"), video, 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	cover := append(append([]byte(nil), jpegHeader...), bytes.Repeat([]byte{0x42}, 64)...)
	if err := os.WriteFile(filepath.Join(root, "cover.jpg"), cover, 0o644); err != nil {
		t.Fatalf("write cover: %v", err)
	}

	m := metrics.New()
	content := contentdir.New(contentdir.Options{SharedPaths: []string{root}, Metrics: m})
	srv := New(Options{
		FriendlyName: "Living Room <Media>",
		UUID:         testUUID,
		Content:      content,
		Streamer:     stream.New(stream.Options{Metrics: m}),
		Thumbnails:   thumbcache.New(4, 1<<20),
		Metrics:      m,
	})
	return fixture{root: root, metrics: m, handler: srv.Handler()}
}

func (f fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func soapRequest(service, action, args string) *http.Request {
	body := `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>` +
		`<u:` + action + ` xmlns:u="urn:schemas-upnp-org:service:` + service + `:1">` + args + `</u:` + action + `>` +
		`</s:Body></s:Envelope>`
	req := httptest.NewRequest(http.MethodPost, "http://192.168.1.5:8200/"+service+"/control", strings.NewReader(body))
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", `"urn:schemas-upnp-org:service:`+service+`:1#`+action+`"`)
	return req
}

// responseArgs extracts the child elements of the <u:ActionResponse> element.
func responseArgs(t *testing.T, body []byte) map[string]string {
	t.Helper()
	dec := xml.NewDecoder(bytes.NewReader(body))
	args := map[string]string{}
	depth := 0
	var current string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return args
		}
		if err != nil {
			t.Fatalf("decode response: %v\n%s", err, body)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 4 {
				current = el.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 4 {
				text.Write(el)
			}
		case xml.EndElement:
			if depth == 4 {
				args[current] = text.String()
			}
			depth--
		}
	}
}

func TestDeviceDescription(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/description.xml", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"<friendlyName>Living Room &lt;Media&gt;</friendlyName>",
		"<UDN>uuid:" + testUUID + "</UDN>",
		"<deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>",
		"<controlURL>/ContentDirectory/control</controlURL>",
		"<SCPDURL>/AVTransport.xml</SCPDURL>",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("description missing %q:\n%s", want, body)
		}
	}

	head := f.do(t, httptest.NewRequest(http.MethodHead, "/description.xml", nil))
	if head.Code != http.StatusOK || head.Body.Len() != 0 {
		t.Fatalf("unexpected HEAD response: %d with %d bytes", head.Code, head.Body.Len())
	}
	if head.Header().Get("Content-Length") != rr.Header().Get("Content-Length") {
		t.Fatalf("HEAD content length %q differs from GET %q", head.Header().Get("Content-Length"), rr.Header().Get("Content-Length"))
	}
}

func TestServiceDescriptorsAreWellFormed(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/ContentDirectory.xml", "/ConnectionManager.xml", "/AVTransport.xml"} {
		rr := f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		var scpd struct {
			XMLName xml.Name `xml:"scpd"`
			Actions []struct {
				Name string `xml:"name"`
			} `xml:"actionList>action"`
		}
		if err := xml.Unmarshal(rr.Body.Bytes(), &scpd); err != nil {
			t.Fatalf("%s: invalid xml: %v", path, err)
		}
		if len(scpd.Actions) == 0 {
			t.Fatalf("%s: no actions listed", path)
		}
	}
}

func TestBrowseRootOverSOAP(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, soapRequest("ContentDirectory", "Browse",
		"<ObjectID>0</ObjectID><BrowseFlag>BrowseDirectChildren</BrowseFlag><Filter>*</Filter><StartingIndex>0</StartingIndex><RequestedCount>0</RequestedCount><SortCriteria></SortCriteria>"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Content-Type") != `text/xml; charset="utf-8"` {
		t.Fatalf("unexpected content type %q", rr.Header().Get("Content-Type"))
	}
	if _, ok := rr.Header()["Ext"]; !ok {
		t.Fatal("missing Ext header")
	}
	body := rr.Body.String()
	if !strings.Contains(body, `<u:BrowseResponse xmlns:u="urn:schemas-upnp-org:service:ContentDirectory:1">`) {
		t.Fatalf("unexpected response element:\n%s", body)
	}
	if strings.Index(body, "<Result>") > strings.Index(body, "<NumberReturned>") {
		t.Fatalf("Result must come before NumberReturned:\n%s", body)
	}

	if !strings.Contains(body, "<Result><![CDATA[<DIDL-Lite") {
		t.Fatalf("Result must be a CDATA DIDL-Lite document:\n%s", body)
	}

	args := responseArgs(t, rr.Body.Bytes())
	if args["NumberReturned"] != "2" || args["TotalMatches"] != "2" {
		t.Fatalf("unexpected counts: %+v", args)
	}
	didl := args["Result"]
	if !strings.HasPrefix(didl, "<DIDL-Lite") {
		t.Fatalf("unexpected Result: %s", didl)
	}
	if !strings.Contains(didl, "object.container.storageFolder") || !strings.Contains(didl, `id="Show"`) {
		t.Fatalf("root listing missing Show container: %s", didl)
	}
}

func TestBrowseMetadataCarriesMediaURL(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, soapRequest("ContentDirectory", "Browse",
		"<ObjectID>Show/S01E01.mp4</ObjectID><BrowseFlag>BrowseMetadata</BrowseFlag><Filter>*</Filter><StartingIndex>0</StartingIndex><RequestedCount>0</RequestedCount>"))
	args := responseArgs(t, rr.Body.Bytes())
	if args["TotalMatches"] != "1" {
		t.Fatalf("unexpected counts: %+v", args)
	}
	if !strings.Contains(args["Result"], "http://192.168.1.5:8200/media/Show/S01E01.mp4") {
		t.Fatalf("missing media URL: %s", args["Result"])
	}
}

func TestMalformedSOAPIsBadRequest(t *testing.T) {
	f := newFixture(t)

	for _, header := range []string{"", "garbage", `"urn:schemas-upnp-org:service:ContentDirectory:1"`} {
		req := soapRequest("ContentDirectory", "Browse", "")
		req.Header.Set("SOAPACTION", header)
		if rr := f.do(t, req); rr.Code != http.StatusBadRequest {
			t.Fatalf("SOAPACTION %q: expected 400, got %d", header, rr.Code)
		}
	}

	req := soapRequest("ContentDirectory", "GetSortCapabilities", "")
	req.Header.Set("SOAPACTION", "urn:schemas-upnp-org:service:ContentDirectory:1#GetSortCapabilities")
	if rr := f.do(t, req); rr.Code != http.StatusOK {
		t.Fatalf("unquoted SOAPACTION: expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ContentDirectory/control", strings.NewReader("<s:Envelope"))
	req.Header.Set("SOAPACTION", `"urn:schemas-upnp-org:service:ContentDirectory:1#Browse"`)
	if rr := f.do(t, req); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad body: expected 400, got %d", rr.Code)
	}
}

func TestUnknownActionIsUPnPFault(t *testing.T) {
	f := newFixture(t)
	for _, req := range []*http.Request{
		soapRequest("ContentDirectory", "DestroyObject", "<ObjectID>0</ObjectID>"),
		soapRequest("RenderingControl", "GetVolume", ""),
	} {
		rr := f.do(t, req)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", req.URL.Path, rr.Code)
		}
		body := rr.Body.String()
		if !strings.Contains(body, "UPnPError") || !strings.Contains(body, "401") {
			t.Fatalf("%s: expected UPnP fault 401:\n%s", req.URL.Path, body)
		}
	}
}

func TestConnectionManagerProtocolInfo(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, soapRequest("ConnectionManager", "GetProtocolInfo", ""))
	args := responseArgs(t, rr.Body.Bytes())
	if !strings.Contains(args["Source"], "http-get:*:video/mp4:") {
		t.Fatalf("unexpected Source: %q", args["Source"])
	}
	if sink, ok := args["Sink"]; !ok || sink != "" {
		t.Fatalf("expected empty Sink, got %q (present=%v)", sink, ok)
	}

	rr = f.do(t, soapRequest("ConnectionManager", "GetCurrentConnectionIDs", ""))
	if got := responseArgs(t, rr.Body.Bytes())["ConnectionIDs"]; got != "0" {
		t.Fatalf("unexpected ConnectionIDs %q", got)
	}
}

func TestAVTransportIsCanned(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, soapRequest("AVTransport", "GetTransportInfo", "<InstanceID>0</InstanceID>"))
	if got := responseArgs(t, rr.Body.Bytes())["CurrentTransportState"]; got != "STOPPED" {
		t.Fatalf("unexpected transport state %q", got)
	}
	rr = f.do(t, soapRequest("AVTransport", "Play", "<InstanceID>0</InstanceID><Speed>1</Speed>"))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "<u:PlayResponse") {
		t.Fatalf("expected empty acknowledgement, got %d:\n%s", rr.Code, rr.Body.String())
	}
}

func TestMediaRangeRequest(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/media/Show/S01E01.mp4", nil)
	req.Header.Set("Range", "bytes=100-199")
	rr := f.do(t, req)
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 100-199/1000" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
	if rr.Body.Len() != 100 || rr.Body.Bytes()[0] != byte(100%251) {
		t.Fatalf("unexpected body: %d bytes", rr.Body.Len())
	}

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/media/Show/missing.mp4", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing file, got %d", rr.Code)
	}
	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/media/Show", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a directory, got %d", rr.Code)
	}
}

func TestArtIsServedFromCache(t *testing.T) {
	f := newFixture(t)
	reads := 0
	origRead := readFile
	t.Cleanup(func() { readFile = origRead })
	readFile = func(name string) ([]byte, error) {
		reads++
		return origRead(name)
	}

	for i := 0; i < 2; i++ {
		rr := f.do(t, httptest.NewRequest(http.MethodGet, "/art/0", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
		if got := rr.Header().Get("Content-Type"); got != "image/jpeg" {
			t.Fatalf("unexpected content type %q", got)
		}
		if !bytes.HasPrefix(rr.Body.Bytes(), jpegHeader) {
			t.Fatal("unexpected image body")
		}
	}
	if reads != 1 {
		t.Fatalf("expected the cover to be read once, got %d", reads)
	}
	if got := testutil.ToFloat64(f.metrics.ThumbnailCacheHits.WithLabelValues("hit")); got != 1 {
		t.Fatalf("expected one cache hit, got %v", got)
	}

	if rr := f.do(t, httptest.NewRequest(http.MethodGet, "/art/Show%2FS01E01.mp4", nil)); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a video without cover, got %d", rr.Code)
	}
}

func TestEventSubscription(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("SUBSCRIBE", "/ContentDirectory/event", nil)
	req.Header.Set("CALLBACK", "<http://192.168.1.50:49152/>")
	req.Header.Set("NT", "upnp:event")
	rr := f.do(t, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	sid := rr.Header().Get("SID")
	if !strings.HasPrefix(sid, "uuid:") || rr.Header().Get("TIMEOUT") != "Second-1800" {
		t.Fatalf("unexpected subscription headers: SID=%q TIMEOUT=%q", sid, rr.Header().Get("TIMEOUT"))
	}

	renew := httptest.NewRequest("SUBSCRIBE", "/ContentDirectory/event", nil)
	renew.Header.Set("SID", sid)
	if rr := f.do(t, renew); rr.Header().Get("SID") != sid {
		t.Fatalf("renewal must keep SID %q, got %q", sid, rr.Header().Get("SID"))
	}

	if rr := f.do(t, httptest.NewRequest("SUBSCRIBE", "/ContentDirectory/event", nil)); rr.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 without CALLBACK, got %d", rr.Code)
	}

	unsub := httptest.NewRequest("UNSUBSCRIBE", "/ContentDirectory/event", nil)
	unsub.Header.Set("SID", sid)
	if rr := f.do(t, unsub); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on unsubscribe, got %d", rr.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var report healthReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if report.Status != "ok" || report.UDN != "uuid:"+testUUID {
		t.Fatalf("unexpected report %+v", report)
	}

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `minidlna_http_requests_total{route="/health",status="200"} 1`) {
		t.Fatalf("health request not recorded:\n%s", rr.Body.String())
	}
}

func TestMarshalResponseOrdersArguments(t *testing.T) {
	action, err := upnp.ParseActionHTTPHeader(`"urn:schemas-upnp-org:service:ContentDirectory:1#Browse"`)
	if err != nil {
		t.Fatalf("parse action: %v", err)
	}
	out := marshalResponse(action, map[string]string{
		"UpdateID":       "7",
		"Zeta":           "z",
		"TotalMatches":   "2",
		"Result":         `<DIDL-Lite><dc:title>a]]>b</dc:title></DIDL-Lite>`,
		"NumberReturned": "1",
		"Alpha":          "a & b",
	})
	want := `<u:BrowseResponse xmlns:u="urn:schemas-upnp-org:service:ContentDirectory:1">` +
		`<Result><![CDATA[<DIDL-Lite><dc:title>a]]]]><![CDATA[>b</dc:title></DIDL-Lite>]]></Result><NumberReturned>1</NumberReturned><TotalMatches>2</TotalMatches><UpdateID>7</UpdateID>` +
		`<Alpha>a &amp; b</Alpha><Zeta>z</Zeta></u:BrowseResponse>`
	if out != want {
		t.Fatalf("unexpected response:\n got %s\nwant %s", out, want)
	}

	var decoded struct {
		Result string `xml:"Result"`
	}
	if err := xml.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Result != `<DIDL-Lite><dc:title>a]]>b</dc:title></DIDL-Lite>` {
		t.Fatalf("CDATA did not round trip: %q", decoded.Result)
	}
}
