package contentdir

import (
	"encoding/xml"
	"strings"
)

const (
	didlHeader = `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" ` +
		`xmlns:dc="http://purl.org/dc/elements/1.1/" ` +
		`xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" ` +
		`xmlns:dlna="urn:schemas-dlna-org:metadata-1-0/" ` +
		`xmlns:sec="http://www.sec.co.kr/">`
	didlFooter = `</DIDL-Lite>`
)

type didlObject struct {
	ID          string `xml:"id,attr"`
	ParentID    string `xml:"parentID,attr"`
	Restricted  int    `xml:"restricted,attr"`
	Title       string `xml:"dc:title"`
	Class       string `xml:"upnp:class"`
	Date        string `xml:"dc:date,omitempty"`
	Artist      string `xml:"upnp:artist,omitempty"`
	Album       string `xml:"upnp:album,omitempty"`
	Genre       string `xml:"upnp:genre,omitempty"`
	AlbumArtURI string `xml:"upnp:albumArtURI,omitempty"`
}

type didlContainer struct {
	XMLName    xml.Name `xml:"container"`
	ChildCount int      `xml:"childCount,attr"`
	Searchable int      `xml:"searchable,attr"`
	didlObject
}

type didlItem struct {
	XMLName xml.Name `xml:"item"`
	didlObject
	Res     []didlResource `xml:"res"`
	Caption []didlCaption  `xml:"sec:CaptionInfoEx,omitempty"`
}

type didlResource struct {
	ProtocolInfo string `xml:"protocolInfo,attr"`
	Size         uint64 `xml:"size,attr,omitempty"`
	Duration     string `xml:"duration,attr,omitempty"`
	Resolution   string `xml:"resolution,attr,omitempty"`
	URL          string `xml:",chardata"`
}

type didlCaption struct {
	Type string `xml:"sec:type,attr"`
	URL  string `xml:",chardata"`
}

// renderDIDL wraps marshalled objects in a DIDL-Lite root element.
func renderDIDL(objects []any) (string, error) {
	var b strings.Builder
	b.WriteString(didlHeader)
	if len(objects) > 0 {
		body, err := xml.Marshal(objects)
		if err != nil {
			return "", err
		}
		b.Write(body)
	}
	b.WriteString(didlFooter)
	return b.String(), nil
}

// EmptyDIDL is the document returned for anything that cannot be browsed.
const EmptyDIDL = didlHeader + didlFooter
