package orchestrator

import "encoding/json"

// marshalBounded JSON-encodes v, truncating oversized payloads before they
// reach a prompt.
func marshalBounded(v any, cap int) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	if len(encoded) > cap {
		return string(encoded[:cap]) + "…(truncated)"
	}
	return string(encoded)
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
