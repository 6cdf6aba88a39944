package requests

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// keyMaterial is everything that distinguishes one cached answer from another.
// It is hashed through its JSON encoding, so no field can bleed into another.
type keyMaterial struct {
	Namespace string          `json:"namespace"`
	Endpoint  string          `json:"endpoint"`
	Body      json.RawMessage `json:"body"`
	Augmented bool            `json:"augmented"`
	Identity  string          `json:"identity"`
}

// Key derives the cache key of a request. The body is canonicalized first, so
// two bodies that differ only in object key order share a key.
func Key(namespace, endpoint string, body any, augmented bool, identity string) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(keyMaterial{
		Namespace: namespace,
		Endpoint:  endpoint,
		Body:      canonical,
		Augmented: augmented,
		Identity:  identity,
	})
	if err != nil {
		return "", fmt.Errorf("encode key material: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-encodes v through a generic value, which sorts object keys
// and keeps numbers verbatim.
func canonicalJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	return json.Marshal(generic)
}
