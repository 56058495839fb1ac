package job

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MergeResult merges incoming into existing. Objects merge key by key recursively;
// arrays and scalars in incoming replace what was stored. Empty or null inputs are
// treated as absent.
func MergeResult(existing, incoming json.RawMessage) (json.RawMessage, error) {
	if isEmptyJSON(incoming) {
		return cloneJSON(existing), nil
	}
	if isEmptyJSON(existing) {
		if !json.Valid(incoming) {
			return nil, fmt.Errorf("merge result: incoming is not valid JSON")
		}
		return cloneJSON(incoming), nil
	}

	var base, patch any
	if err := json.Unmarshal(existing, &base); err != nil {
		return nil, fmt.Errorf("merge result: decode stored result: %w", err)
	}
	if err := json.Unmarshal(incoming, &patch); err != nil {
		return nil, fmt.Errorf("merge result: decode incoming result: %w", err)
	}

	out, err := json.Marshal(mergeValue(base, patch))
	if err != nil {
		return nil, fmt.Errorf("merge result: encode: %w", err)
	}
	return out, nil
}

func mergeValue(base, patch any) any {
	bm, bok := base.(map[string]any)
	pm, pok := patch.(map[string]any)
	if !bok || !pok {
		return patch
	}
	for k, v := range pm {
		if cur, ok := bm[k]; ok {
			bm[k] = mergeValue(cur, v)
			continue
		}
		bm[k] = v
	}
	return bm
}

func isEmptyJSON(b json.RawMessage) bool {
	t := bytes.TrimSpace(b)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func cloneJSON(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
