package bridge

import "encoding/json"

// metaFieldAsMap unmarshals a JSON-RPC params/result blob and returns its
// "_meta" object (if any) as a plain map, ready for in-place mutation and
// re-marshaling. Adapted from the marshal->map->inject->remarshal idiom used
// throughout the teacher's meta_helpers.go for its "x402/payment" field.
func metaFieldAsMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	meta, _ := m["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, nil
}

// progressTokenFromParams extracts params._meta.progressToken, if present.
func progressTokenFromParams(params json.RawMessage) (any, bool) {
	meta, err := metaFieldAsMap(params)
	if err != nil {
		return nil, false
	}
	tok, ok := meta["progressToken"]
	return tok, ok
}

// withMetaField returns params with key set inside its "_meta" object,
// creating both the params object and the _meta object as needed.
func withMetaField(params json.RawMessage, key string, value any) (json.RawMessage, error) {
	var m map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &m); err != nil {
			return nil, err
		}
	}
	if m == nil {
		m = map[string]any{}
	}
	meta, _ := m["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[key] = value
	m["_meta"] = meta
	return json.Marshal(m)
}

// progressNotificationParams builds the params of a notifications/progress
// message correlated by progressToken.
func progressNotificationParams(progressToken any, progress, total float64) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"progressToken": progressToken,
		"progress":      progress,
		"total":         total,
	})
	return b
}
