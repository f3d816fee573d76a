package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/engine"
	"github.com/roach88/receiptsync/internal/inbound"
)

// IngestSummary counts what happened to an inbound stream.
type IngestSummary struct {
	Messages   int `json:"messages"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	BadLines   int `json:"bad_lines"`
	Pending    int `json:"pending_outbox"`
}

func (s IngestSummary) String() string {
	return fmt.Sprintf("Ingested %d signal(s): %d accepted, %d duplicate, %d rejected; %d message(s), %d bad line(s); %d outbound request(s) queued",
		s.Accepted+s.Duplicates+s.Rejected, s.Accepted, s.Duplicates, s.Rejected, s.Messages, s.BadLines, s.Pending)
}

// openInput opens path for reading; "-" or "" is stdin.
func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// consume feeds every record of r to the engine until EOF or ctx is done.
//
// Bad lines are logged and skipped. An ingest error stops consumption: the
// signal was not recorded, and the stream must be replayed from that line.
func consume(ctx context.Context, eng *engine.Engine, r io.Reader, log *zap.Logger) (IngestSummary, error) {
	var sum IngestSummary

	dec, err := inbound.NewDecoder(r)
	if err != nil {
		return sum, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		rec, err := dec.Next()
		var lerr *inbound.LineError
		switch {
		case errors.Is(err, io.EOF):
			return sum, nil
		case errors.As(err, &lerr):
			sum.BadLines++
			log.Warn("skipping bad line", zap.Int("line", lerr.Line), zap.Error(lerr.Err))
			continue
		case err != nil:
			return sum, err
		}

		if rec.Message != nil {
			if err := eng.AddMessage(ctx, rec.Message); err != nil {
				return sum, fmt.Errorf("line %d: add message %s: %w", rec.Line, rec.Message.ID, err)
			}
			sum.Messages++
			continue
		}

		res, err := eng.Ingest(ctx, *rec.Signal)
		if err != nil {
			if engine.IsTransient(err) {
				log.Warn("signal not recorded, stopping so it is redelivered",
					zap.Int("line", rec.Line),
					zap.String("envelope_id", rec.Signal.EnvelopeID),
					zap.Error(err))
			}
			return sum, fmt.Errorf("line %d: ingest %s: %w", rec.Line, rec.Signal.Kind, err)
		}
		switch res.Status {
		case engine.IngestAccepted:
			sum.Accepted++
		case engine.IngestDuplicate:
			sum.Duplicates++
		case engine.IngestRejected:
			sum.Rejected++
			log.Info("signal rejected",
				zap.Int("line", rec.Line),
				zap.String("kind", string(res.Kind)),
				zap.String("reason", res.Reason))
		}
	}
}
