package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainSignal = "receiptsync/signal/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeKey computes the content-addressed identity of a signal.
//
// A redelivered signal (same envelope, same kind, same resolved payload)
// always produces the same key, which is what the store uses to refuse a
// second insert and to recognise signals that were already applied.
func DedupeKey(kind Kind, envelopeID string, payload Payload) (string, error) {
	body, err := toCanonicalValue(payload)
	if err != nil {
		return "", fmt.Errorf("DedupeKey: failed to encode payload: %w", err)
	}
	obj := map[string]any{
		"kind":        string(kind),
		"envelope_id": envelopeID,
		"payload":     body,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DedupeKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSignal, canonical), nil
}

// MustDedupeKey is like DedupeKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDedupeKey(kind Kind, envelopeID string, payload Payload) string {
	key, err := DedupeKey(kind, envelopeID, payload)
	if err != nil {
		panic(err)
	}
	return key
}
