package httpfront

import (
	"context"

	"github.com/anacrolix/dms/upnp"

	"go2tv.app/mini-dlna/internal/contentdir"
)

// connectionManager answers the ConnectionManager actions with the single
// implicit connection 0.
func connectionManager(_ context.Context, action string, _ []byte, _ string) (map[string]string, error) {
	switch action {
	case "GetProtocolInfo":
		return map[string]string{
			"Source": contentdir.ProtocolInfo(),
			"Sink":   "",
		}, nil
	case "GetCurrentConnectionIDs":
		return map[string]string{"ConnectionIDs": "0"}, nil
	case "GetCurrentConnectionInfo":
		return map[string]string{
			"RcsID":                 "-1",
			"AVTransportID":         "-1",
			"ProtocolInfo":          "",
			"PeerConnectionManager": "",
			"PeerConnectionID":      "-1",
			"Direction":             "Output",
			"Status":                "OK",
		}, nil
	default:
		return nil, upnp.InvalidActionError
	}
}

// avTransport reports a permanently stopped transport. Control verbs are
// acknowledged and have no effect.
func avTransport(_ context.Context, action string, _ []byte, _ string) (map[string]string, error) {
	switch action {
	case "GetTransportInfo":
		return map[string]string{
			"CurrentTransportState":  "STOPPED",
			"CurrentTransportStatus": "OK",
			"CurrentSpeed":           "1",
		}, nil
	case "GetMediaInfo":
		return map[string]string{
			"NrTracks":           "0",
			"MediaDuration":      "00:00:00",
			"CurrentURI":         "",
			"CurrentURIMetaData": "",
			"NextURI":            "",
			"NextURIMetaData":    "",
			"PlayMedium":         "NONE",
			"RecordMedium":       "NOT_IMPLEMENTED",
			"WriteStatus":        "NOT_IMPLEMENTED",
		}, nil
	case "GetPositionInfo":
		return map[string]string{
			"Track":         "0",
			"TrackDuration": "00:00:00",
			"TrackMetaData": "",
			"TrackURI":      "",
			"RelTime":       "00:00:00",
			"AbsTime":       "00:00:00",
			"RelCount":      "2147483647",
			"AbsCount":      "2147483647",
		}, nil
	case "GetDeviceCapabilities":
		return map[string]string{
			"PlayMedia":       "NETWORK",
			"RecMedia":        "NOT_IMPLEMENTED",
			"RecQualityModes": "NOT_IMPLEMENTED",
		}, nil
	case "GetTransportSettings":
		return map[string]string{
			"PlayMode":       "NORMAL",
			"RecQualityMode": "NOT_IMPLEMENTED",
		}, nil
	case "SetAVTransportURI", "SetNextAVTransportURI", "Play", "Pause", "Stop", "Seek", "Next", "Previous":
		return map[string]string{}, nil
	default:
		return nil, upnp.InvalidActionError
	}
}
