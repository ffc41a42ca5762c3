// Package gwproto implements the wire codec for the gateway synchronization
// channel: two frame prefixes (EVENT: and REQUEST-RESPONSE:) carrying a
// discriminated SharedEvent union.
package gwproto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymesh/relaymesh/pkg/assets"
)

// Frame prefixes, per the wire protocol.
const (
	prefixEvent           = "EVENT:"
	prefixRequestResponse = "REQUEST-RESPONSE:"
)

// Reserved message ids used by the inventory sync handshake. Never issued
// by the correlator's Send.
const (
	MsgIDAssetRead = "GATEWAY-ASSET-READ"
)

// BatchMessageID returns the reserved message id for a batch request
// starting at firstIndex, e.g. GATEWAY-ASSET-READ-20.
func BatchMessageID(firstIndex int) string {
	return fmt.Sprintf("%s-%d", MsgIDAssetRead, firstIndex)
}

// EventType discriminates the payload carried by a SharedEvent.
type EventType string

// Recognized event types.
const (
	EventTypeAttribute         EventType = "attribute"
	EventTypeAsset             EventType = "asset"
	EventTypeGatewayDisconnect EventType = "gateway-disconnect"
	EventTypeReadAssets        EventType = "read-assets"
	EventTypeAssetsReply       EventType = "assets-reply"
)

// SharedEvent is the tagged-union envelope for every payload that travels
// over the channel, whether fire-and-forget (EVENT:) or paired with a
// messageId (REQUEST-RESPONSE:).
type SharedEvent struct {
	EventType EventType `json:"eventType"`

	// Populated when EventType == attribute.
	Attribute *assets.AttributeEvent `json:"attribute,omitempty"`

	// Populated when EventType == asset.
	Asset *assets.AssetEvent `json:"asset,omitempty"`

	// Populated when EventType == gateway-disconnect.
	Disconnect *DisconnectPayload `json:"disconnect,omitempty"`

	// Populated when EventType == read-assets (a request).
	ReadAssets *assets.Query `json:"readAssets,omitempty"`

	// Populated when EventType == assets-reply (a response to read-assets).
	AssetsReply *AssetsReplyPayload `json:"assetsReply,omitempty"`
}

// DisconnectPayload carries the reason for a gateway-disconnect event.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// AssetsReplyPayload is the response body to a ReadAssetsEvent request:
// either a full index (ids + versions, no attribute bodies) or fully
// materialized assets, depending on the originating query's Select.
type AssetsReplyPayload struct {
	Assets []assets.Asset `json:"assets"`
}

// Envelope wraps a SharedEvent with a correlation id for REQUEST-RESPONSE
// frames. MessageID is empty for a plain EVENT: frame.
type Envelope struct {
	MessageID string      `json:"messageId"`
	Event     SharedEvent `json:"event"`
}

// EncodeEvent frames a fire-and-forget SharedEvent as an EVENT: frame.
func EncodeEvent(e SharedEvent) (string, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("gwproto: encode event: %w", err)
	}
	return prefixEvent + string(body), nil
}

// EncodeRequestResponse frames an Envelope as a REQUEST-RESPONSE: frame.
func EncodeRequestResponse(env Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("gwproto: encode request-response: %w", err)
	}
	return prefixRequestResponse + string(body), nil
}

// Frame is the decoded form of an incoming wire message: exactly one of
// Event or Envelope is populated, matching the frame's prefix.
type Frame struct {
	IsRequestResponse bool
	Event             SharedEvent
	Envelope          Envelope
}

// ErrUnknownDiscriminator is returned by Decode when a frame carries no
// recognized prefix. The caller logs and drops it per §4.2.
var ErrUnknownDiscriminator = fmt.Errorf("gwproto: unrecognized frame prefix")

// ErrMalformedFrame is returned by Decode when a frame has a recognized
// prefix but invalid JSON. The caller transitions to ERROR per §4.2/§7.
type ErrMalformedFrame struct{ Cause error }

func (e *ErrMalformedFrame) Error() string {
	return fmt.Sprintf("gwproto: malformed frame: %v", e.Cause)
}

func (e *ErrMalformedFrame) Unwrap() error { return e.Cause }

// Decode parses a raw text frame into a Frame.
func Decode(raw string) (Frame, error) {
	switch {
	case strings.HasPrefix(raw, prefixRequestResponse):
		body := strings.TrimPrefix(raw, prefixRequestResponse)
		var env Envelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			return Frame{}, &ErrMalformedFrame{Cause: err}
		}
		return Frame{IsRequestResponse: true, Envelope: env}, nil
	case strings.HasPrefix(raw, prefixEvent):
		body := strings.TrimPrefix(raw, prefixEvent)
		var ev SharedEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return Frame{}, &ErrMalformedFrame{Cause: err}
		}
		return Frame{Event: ev}, nil
	default:
		return Frame{}, ErrUnknownDiscriminator
	}
}
