package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/zmon/zmon-worker/internal/model"
)

// DecodeEnvelope decodes a raw queue payload into a task body. The outer
// bytes may themselves be snappy-compressed; raw JSON is detected by a
// leading '{'. The inner body encoding is taken from the envelope
// properties (nested, base64 or snappy-over-base64).
func DecodeEnvelope(raw []byte) (*model.TaskBody, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty queue payload")
	}

	if raw[0] != '{' {
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress envelope: %w", err)
		}
		raw = decoded
	}

	var envelope model.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	inner, err := decodeBody(&envelope)
	if err != nil {
		return nil, err
	}

	var body model.TaskBody
	if err := json.Unmarshal(inner, &body); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task body: %w", err)
	}
	return &body, nil
}

func decodeBody(envelope *model.Envelope) ([]byte, error) {
	switch envelope.Properties.BodyEncoding {
	case model.BodyEncodingNested, "":
		return envelope.Body, nil

	case model.BodyEncodingBase64:
		var encoded string
		if err := json.Unmarshal(envelope.Body, &encoded); err != nil {
			return nil, fmt.Errorf("body is not a base64 string: %w", err)
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 body: %w", err)
		}
		return decoded, nil

	case model.BodyEncodingSnappy:
		var encoded string
		if err := json.Unmarshal(envelope.Body, &encoded); err != nil {
			return nil, fmt.Errorf("body is not a base64 string: %w", err)
		}
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 body: %w", err)
		}
		decoded, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress body: %w", err)
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("unknown body encoding %q", envelope.Properties.BodyEncoding)
	}
}
