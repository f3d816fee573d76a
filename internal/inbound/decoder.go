// Package inbound decodes the JSON-lines feed of sync signals and newly
// arrived messages.
//
// Every line is validated against an embedded JSON Schema before it is
// unmarshalled, so malformed input is rejected with a precise location
// instead of surfacing later as a half-populated payload.
package inbound

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/receiptsync/internal/model"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://receiptsync.local/schema/record.json"

// maxLineSize bounds one record; backfill responses carry attachment
// metadata and can be large.
const maxLineSize = 4 << 20

// Record is one decoded line: exactly one of Signal and Message is set.
type Record struct {
	Line    int
	Signal  *model.Signal
	Message *model.Message
}

// LineError reports a line that could not be decoded. The stream stays
// usable; the caller may log and continue.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

type envelope struct {
	Kind         model.Kind      `json:"kind"`
	EnvelopeID   string          `json:"envelope_id"`
	SentAt       int64           `json:"sent_at"`
	Source       model.Identity  `json:"source"`
	Sender       model.Identity  `json:"sender"`
	Conversation model.Identity  `json:"conversation"`
	TargetAuthor model.Identity  `json:"target_author"`
	Payload      json.RawMessage `json:"payload"`
	Message      *model.Message  `json:"message"`
}

// Decoder reads records from a JSON-lines stream.
type Decoder struct {
	sc     *bufio.Scanner
	schema *jsonschema.Schema
	line   int
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) (*Decoder, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{sc: sc, schema: schema}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("inbound schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("inbound schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("inbound schema: %w", err)
	}
	return schema, nil
}

// Next returns the next record. Blank lines are skipped. It returns io.EOF
// at the end of input and a *LineError for a bad line.
func (d *Decoder) Next() (Record, error) {
	for d.sc.Scan() {
		d.line++
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := d.decode(line)
		if err != nil {
			return Record{}, &LineError{Line: d.line, Err: err}
		}
		rec.Line = d.line
		return rec, nil
	}
	if err := d.sc.Err(); err != nil {
		return Record{}, fmt.Errorf("read inbound: %w", err)
	}
	return Record{}, io.EOF
}

func (d *Decoder) decode(line []byte) (Record, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(line))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return Record{}, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Record{}, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	if env.Message != nil {
		return Record{Message: env.Message}, nil
	}

	payload, err := model.DecodePayload(env.Kind, env.Payload)
	if err != nil {
		return Record{}, err
	}
	return Record{Signal: &model.Signal{
		Kind:         env.Kind,
		EnvelopeID:   env.EnvelopeID,
		SentAt:       env.SentAt,
		Payload:      payload,
		Source:       env.Source,
		Sender:       env.Sender,
		Conversation: env.Conversation,
		TargetAuthor: env.TargetAuthor,
	}}, nil
}

// ReadAll decodes every record in r, collecting bad lines instead of
// stopping at them.
func ReadAll(r io.Reader) ([]Record, []error, error) {
	d, err := NewDecoder(r)
	if err != nil {
		return nil, nil, err
	}
	var (
		recs []Record
		bad  []error
	)
	for {
		rec, err := d.Next()
		var lerr *LineError
		switch {
		case errors.Is(err, io.EOF):
			return recs, bad, nil
		case errors.As(err, &lerr):
			bad = append(bad, err)
		case err != nil:
			return recs, bad, err
		default:
			recs = append(recs, rec)
		}
	}
}
