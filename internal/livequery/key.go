package livequery

import (
	"encoding/json"
	"fmt"
)

// Key derives the canonical cache key for a query invocation. Args are
// marshaled, decoded into plain values and marshaled again, which sorts
// object keys and normalizes numbers; two structurally equal argument
// values therefore share a key regardless of field order or Go type. The
// query name is joined with a NUL byte so it can never bleed into the
// argument text.
func Key(query string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal query args: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("normalize query args: %w", err)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize query args: %w", err)
	}
	return query + "\x00" + string(canonical), nil
}
