// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"encoding/json"
	"errors"

	"github.com/arkrelay/gatewaygo/protocol"
)

var errMalformedFrame = errors.New("malformed relay frame")

// Filter narrows a subscription. Tag filters are keyed "#<name>".
type Filter struct {
	Kinds []int    `json:"kinds,omitempty"`
	PTags []string `json:"#p,omitempty"`
	Since int64    `json:"since,omitempty"`
}

func encodeEventFrame(ev *protocol.Event) ([]byte, error) {
	return json.Marshal([]any{"EVENT", ev})
}

func encodeReqFrame(subID string, filter *Filter) ([]byte, error) {
	return json.Marshal([]any{"REQ", subID, filter})
}

// decodeFrame parses one inbound relay frame. Only EVENT frames carry a
// payload the gateway acts on; OK, EOSE and NOTICE are advisory.
func decodeFrame(data []byte) (frameType string, ev *protocol.Event, err error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return "", nil, errMalformedFrame
	}
	if err := json.Unmarshal(parts[0], &frameType); err != nil {
		return "", nil, errMalformedFrame
	}
	if frameType != "EVENT" {
		return frameType, nil, nil
	}
	// ["EVENT", subscription_id, event]
	if len(parts) < 3 {
		return "", nil, errMalformedFrame
	}
	ev = &protocol.Event{}
	if err := json.Unmarshal(parts[2], ev); err != nil {
		return "", nil, errMalformedFrame
	}
	return frameType, ev, nil
}
