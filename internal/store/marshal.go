package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/receiptsync/internal/model"
)

// marshalPayload converts a task payload to JSON TEXT for storage.
func marshalPayload(p model.Payload) (string, error) {
	data, err := model.EncodePayload(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// marshalMessage converts a message to JSON TEXT.
// Uses json.Encoder with HTML escaping disabled so stored text matches
// what was written.
func marshalMessage(m *model.Message) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalMessage parses JSON TEXT to a message.
func unmarshalMessage(data string) (*model.Message, error) {
	var m model.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}

// nullString stores empty strings as NULL so partial unique indexes ignore them.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
