package kobo

import (
	"encoding/base64"
	"net/http"

	"github.com/segmentio/encoding/json"
)

// SyncTokenHeader carries the composite sync cursor in both directions.
const SyncTokenHeader = "X-Kobo-SyncToken"

// SyncToken is the composite cursor handed to the device. It tracks two
// independent sync feeds at once: the local catalog cursor (a timestamp) and
// the upstream store's own opaque token, passed through untouched. The JSON
// field names are part of the wire format.
type SyncToken struct {
	LastSuccessfulSyncPointID *string `json:"lastSuccessfulSyncPointId"`
	OngoingSyncPointID        *string `json:"ongoingSyncPointId"`
	RawKoboSyncToken          *string `json:"rawKoboSyncToken"`
}

// Encode serializes the token for header transport.
func (t SyncToken) Encode() string {
	b, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeSyncToken parses an encoded token. Any failure yields a zero token:
// an unparsable cursor means "no prior sync", never an error, so a device
// with a mangled token falls back to a full sync instead of breaking.
func DecodeSyncToken(s string) SyncToken {
	token := SyncToken{}
	if s == "" {
		return token
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return SyncToken{}
	}
	if err := json.Unmarshal(b, &token); err != nil {
		return SyncToken{}
	}
	return token
}

// TokenFromRequest reads the composite token off the request header.
func TokenFromRequest(r *http.Request) SyncToken {
	return DecodeSyncToken(r.Header.Get(SyncTokenHeader))
}
