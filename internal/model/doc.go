// Package model provides the domain types shared by the reconciliation engine.
//
// This package contains type definitions, payload validation, and the
// canonical encoding used for dedupe keys. All other internal packages
// import model; model imports nothing internal.
//
// Key design constraints:
//   - Timestamps are int64 milliseconds since the Unix epoch
//   - Payloads are a sealed union: one struct per signal shape, selected by Kind
//   - Identity strings (conversation ids, service ids) are compared after NFC normalization
//   - All JSON tags use snake_case
package model
