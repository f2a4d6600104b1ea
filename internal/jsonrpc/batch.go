package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeMessages parses a raw JSON-RPC payload that may be a single message or
// a batch array. It returns the parsed messages and whether the payload was a
// batch. An empty batch is invalid per JSON-RPC 2.0.
func DecodeMessages(raw []byte) ([]*AnyMessage, bool, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty payload")
	}

	if trimmed[0] != '[' {
		var msg AnyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, false, err
		}
		msg.raw = raw
		return []*AnyMessage{&msg}, false, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, true, fmt.Errorf("invalid batch: %w", err)
	}
	if len(elems) == 0 {
		return nil, true, fmt.Errorf("empty batch")
	}

	msgs := make([]*AnyMessage, 0, len(elems))
	for i, el := range elems {
		var msg AnyMessage
		if err := json.Unmarshal(el, &msg); err != nil {
			return nil, true, fmt.Errorf("invalid batch element %d: %w", i, err)
		}
		msg.raw = el
		msgs = append(msgs, &msg)
	}
	return msgs, true, nil
}
