package httpfront

import (
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/anacrolix/dms/soap"
	"github.com/anacrolix/dms/upnp"

	"go2tv.app/mini-dlna/internal/domain"
)

const (
	serviceContentDirectory  = "ContentDirectory"
	serviceConnectionManager = "ConnectionManager"
	serviceAVTransport       = "AVTransport"

	soapEnvelopeFormat = `<?xml version="1.0" encoding="utf-8" standalone="yes"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>%s</s:Body></s:Envelope>`
)

// argOrder lists response arguments that renderers expect in a fixed order.
var argOrder = map[string]int{
	"Result":         0,
	"NumberReturned": 1,
	"TotalMatches":   2,
	"UpdateID":       3,
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")

	action, err := parseSOAPAction(r.Header.Get("SOAPACTION"))
	if err != nil {
		s.badRequest(w, r, domain.NewError(domain.KindProtocolParse, "parse SOAPACTION", err))
		return
	}
	var env soap.Envelope
	if err := xml.NewDecoder(r.Body).Decode(&env); err != nil {
		s.badRequest(w, r, domain.NewError(domain.KindProtocolParse, "decode SOAP body", err))
		return
	}

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Header().Set("Ext", "")

	args, err := s.invoke(r, service, action, env.Body.Action)
	if err != nil {
		s.logger.Warn("soap_action_failed",
			slog.String("service", service),
			slog.String("action", action.Action),
			slog.String("error", err.Error()),
		)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprintf(w, soapEnvelopeFormat, mustMarshalXML(soap.NewFault("UPnPError", upnp.ConvertError(err))))
		return
	}
	_, _ = fmt.Fprintf(w, soapEnvelopeFormat, marshalResponse(action, args))
}

// parseSOAPAction accepts quoted and unquoted SOAPACTION values and requires
// both a service type and an action name.
func parseSOAPAction(raw string) (upnp.SoapAction, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return upnp.SoapAction{}, errors.New("missing SOAPACTION header")
	}
	if !strings.HasPrefix(raw, `"`) {
		raw = `"` + raw + `"`
	}
	action, err := upnp.ParseActionHTTPHeader(raw)
	if err != nil {
		return upnp.SoapAction{}, err
	}
	if action.Action == "" || action.Type == "" {
		return upnp.SoapAction{}, fmt.Errorf("invalid SOAPACTION %q", raw)
	}
	return action, nil
}

func (s *Server) invoke(r *http.Request, service string, action upnp.SoapAction, argsXML []byte) (map[string]string, error) {
	handle, ok := s.services[service]
	if !ok || action.Type != service {
		return nil, upnp.Errorf(upnp.InvalidActionErrorCode, "invalid service: %s", action.Type)
	}
	return handle(r.Context(), action.Action, argsXML, r.Host)
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("soap_request_malformed",
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
		slog.String("error", err.Error()),
	)
	httpError(w, http.StatusBadRequest, "malformed SOAP request")
}

// cdataArgs carry DIDL-Lite documents and are wrapped in CDATA.
var cdataArgs = map[string]bool{"Result": true}

// marshalResponse renders the <u:ActionResponse> element. DIDL-Lite results
// go out as CDATA, everything else is escaped text.
func marshalResponse(action upnp.SoapAction, args map[string]string) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, iKnown := argOrder[names[i]]
		oj, jKnown := argOrder[names[j]]
		switch {
		case iKnown && jKnown:
			return oi < oj
		case iKnown != jKnown:
			return iKnown
		}
		return names[i] < names[j]
	})

	var b strings.Builder
	fmt.Fprintf(&b, `<u:%sResponse xmlns:u="%s">`, action.Action, action.ServiceURN.String())
	for _, name := range names {
		b.WriteString("<" + name + ">")
		if cdataArgs[name] {
			writeCDATA(&b, args[name])
		} else {
			_ = xml.EscapeText(&b, []byte(args[name]))
		}
		b.WriteString("</" + name + ">")
	}
	fmt.Fprintf(&b, `</u:%sResponse>`, action.Action)
	return b.String()
}

// writeCDATA splits any "]]>" so the section cannot be closed early.
func writeCDATA(b *strings.Builder, text string) {
	b.WriteString("<![CDATA[")
	b.WriteString(strings.ReplaceAll(text, "]]>", "]]]]><![CDATA[>"))
	b.WriteString("]]>")
}

func mustMarshalXML(v any) []byte {
	out, err := xml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
