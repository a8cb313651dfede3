// Copyright 2024 The go-equa Authors
// ti-oracle - gossip wire message codec

package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/tokeninsight/ti-oracle/internal/oracletypes"
)

// envelope is the wire shape of the discriminated union described in
// §6: UTF-8 JSON with a "type" tag of "VReq" or "VResp".
type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"-"`
}

// encodeVReq wraps a ValidateRequest as the tagged {"type":"VReq",...}
// wire message.
func encodeVReq(req oracletypes.ValidateRequest) ([]byte, error) {
	return encodeTagged("VReq", req)
}

// encodeVResp wraps a ValidateResponse as the tagged
// {"type":"VResp",...} wire message.
func encodeVResp(resp oracletypes.ValidateResponse) ([]byte, error) {
	return encodeTagged("VResp", resp)
}

func encodeTagged(typ string, v interface{}) ([]byte, error) {
	m, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", typ))
	return json.Marshal(fields)
}

// decodeMessage parses raw as a tagged CommandMessage and returns
// either a ValidateRequest or a ValidateResponse depending on its
// "type" field. Non-parseable messages return an error that the
// caller logs and drops (§7: ParseError).
func decodeMessage(raw []byte) (req *oracletypes.ValidateRequest, resp *oracletypes.ValidateResponse, err error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil, fmt.Errorf("gossip: parse message: %w", err)
	}

	switch e.Type {
	case "VReq":
		var r oracletypes.ValidateRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, nil, fmt.Errorf("gossip: parse VReq: %w", err)
		}
		return &r, nil, nil
	case "VResp":
		var r oracletypes.ValidateResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, nil, fmt.Errorf("gossip: parse VResp: %w", err)
		}
		return nil, &r, nil
	default:
		return nil, nil, fmt.Errorf("gossip: unknown message type %q", e.Type)
	}
}
