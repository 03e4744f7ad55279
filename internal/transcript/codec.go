package transcript

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON always includes the source discriminator.
func (r PartialResult) MarshalJSON() ([]byte, error) {
	type alias PartialResult
	return json.Marshal(struct {
		Source Source `json:"source"`
		alias
	}{Source: SourcePartial, alias: alias(r)})
}

func (r ServerResult) MarshalJSON() ([]byte, error) {
	type alias ServerResult
	return json.Marshal(struct {
		Source Source `json:"source"`
		alias
	}{Source: SourceServer, alias: alias(r)})
}

// Encode serialises any Result with its source discriminator.
func Encode(r Result) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("nil result")
	}
	return json.Marshal(r)
}

// Decode reads a value written by Encode and returns the concrete Result.
func Decode(data []byte) (Result, error) {
	var head struct {
		Source Source `json:"source"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode result header: %w", err)
	}

	switch head.Source {
	case SourceCaptions, SourceAutoGenerated:
		var r CaptionResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode caption result: %w", err)
		}
		return r, nil
	case SourcePartial:
		var r PartialResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode partial result: %w", err)
		}
		return r, nil
	case SourceServer:
		var r ServerResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode server result: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown result source %q", head.Source)
	}
}
