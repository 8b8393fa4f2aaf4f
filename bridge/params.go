// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Description is a WebRTC-side or plain-RTP session description as
// exchanged over the wire: a type token ("offer"/"answer") and the raw SDP
// text. RequestHandler parses the SDP text with pion/sdp and hands the
// parsed description to sdpbridge.
type Description struct {
	Type string `json:"type" mapstructure:"type"`
	SDP  string `json:"sdp" mapstructure:"sdp"`
}

// Envelope is the generic inbound request shape: every request names a
// kind in "request" and carries kind-specific fields alongside it. Decoding
// proceeds in two steps, mirroring SilvaMendes-go-rtpengine's generic-map
// then typed-struct pattern: unmarshal into a map, then mapstructure.Decode
// into the kind's concrete Params type.
type Envelope struct {
	Request     string         `json:"request"`
	Transaction string         `json:"transaction"`
	Fields      map[string]any `json:"-"`
}

// ParseEnvelope decodes raw into an Envelope, keeping every field
// (including "request"/"transaction") available in Fields for the
// subsequent mapstructure decode into a kind-specific Params type.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, newAPIError(ErrNoMessage, "empty request body")
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, wrapAPIError(ErrInvalidJSON, err, "decoding request body")
	}

	request, _ := fields["request"].(string)
	if request == "" {
		return nil, newAPIError(ErrInvalidRequest, "missing \"request\" field")
	}
	transaction, _ := fields["transaction"].(string)

	return &Envelope{Request: request, Transaction: transaction, Fields: fields}, nil
}

func decodeParams(fields map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}
	return dec.Decode(fields)
}

// GenerateParams is the "generate" request's kind-specific fields.
type GenerateParams struct {
	Info        map[string]any `mapstructure:"info"`
	SRTP        string         `mapstructure:"srtp"`
	SRTPProfile string         `mapstructure:"srtp_profile"`
	Update      bool           `mapstructure:"update"`
}

// ProcessParams is the "process" request's kind-specific fields. Unlike
// generate, the description is embedded in the request itself.
type ProcessParams struct {
	Type        string         `mapstructure:"type"`
	SDP         string         `mapstructure:"sdp"`
	Info        map[string]any `mapstructure:"info"`
	SRTP        string         `mapstructure:"srtp"`
	SRTPProfile string         `mapstructure:"srtp_profile"`
	Update      bool           `mapstructure:"update"`
}

// RecordingParams is the "recording" request's kind-specific fields.
type RecordingParams struct {
	Action    string `mapstructure:"action"`
	Audio     bool   `mapstructure:"audio"`
	Video     bool   `mapstructure:"video"`
	PeerAudio bool   `mapstructure:"peer_audio"`
	PeerVideo bool   `mapstructure:"peer_video"`
	Filename  string `mapstructure:"filename"`
}

// KeyframeParams is the "keyframe" request's kind-specific fields.
type KeyframeParams struct {
	User bool `mapstructure:"user"`
	Peer bool `mapstructure:"peer"`
}

// simulcastSSRC extracts a base-layer SSRC from info per spec.md §9: the
// shape is permissive, taking either array slot 0 or a field named
// "ssrc-0", whichever is present.
func simulcastSSRC(info map[string]any) uint32 {
	if info == nil {
		return 0
	}
	if raw, ok := info["ssrc-0"]; ok {
		return toUint32(raw)
	}
	if raw, ok := info["ssrc"]; ok {
		switch v := raw.(type) {
		case []any:
			if len(v) > 0 {
				return toUint32(v[0])
			}
		default:
			return toUint32(v)
		}
	}
	return 0
}

func toUint32(v any) uint32 {
	switch n := v.(type) {
	case float64:
		return uint32(n)
	case int:
		return uint32(n)
	case int64:
		return uint32(n)
	case uint32:
		return n
	case string:
		var parsed uint32
		fmt.Sscanf(n, "%d", &parsed)
		return parsed
	default:
		return 0
	}
}
