package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON decodes the value at key into v. It reports ok=false when the key is absent.
func GetJSON(ctx context.Context, st Store, key string, v any) (bool, error) {
	if st == nil {
		return false, ErrDisabled
	}
	b, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, st Store, key string, v any) error {
	if st == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return st.Set(ctx, key, b)
}
