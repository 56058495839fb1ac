// Package fingerprint derives deterministic cache keys from request parameters.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Of returns a hex SHA-256 fingerprint of params scoped to namespace.
// Params are normalized through a JSON round-trip so map key order and struct
// versus map representation do not change the result.
func Of(namespace string, params any) (string, error) {
	canonical, err := Canonical(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustOf is like Of but panics when params cannot be encoded.
func MustOf(namespace string, params any) string {
	fp, err := Of(namespace, params)
	if err != nil {
		panic(err)
	}
	return fp
}

// Canonical returns the normalized JSON encoding of params.
func Canonical(params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalize params: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode normalized params: %w", err)
	}
	return out, nil
}
