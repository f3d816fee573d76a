package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Publisher hands one record to whatever carries it off the process.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

// JSONLines publishes records as one JSON object per line.
type JSONLines struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLines writes to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: w}
}

type line struct {
	Event   Event           `json:"event"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

func (p *JSONLines) Publish(_ context.Context, rec Record) error {
	b, err := json.Marshal(line{Event: rec.Event, Key: rec.Key, Payload: json.RawMessage(rec.Payload)})
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(append(b, '\n'))
	return err
}

// Worker drains due records to a publisher on a ticker.
type Worker struct {
	repo *Repo
	pub  Publisher
	log  *zap.Logger

	tick  time.Duration
	batch int

	stop chan struct{}
	done chan struct{}
}

// Options tune a Worker.
type Options struct {
	Tick  time.Duration
	Batch int
}

func NewWorker(repo *Repo, pub Publisher, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		repo:  repo,
		pub:   pub,
		log:   log.Named("outbox"),
		tick:  opt.Tick,
		batch: opt.Batch,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start runs the drain loop until Stop.
func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		t := time.NewTicker(w.tick)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				if _, err := w.RunOnce(context.Background()); err != nil {
					w.log.Warn("outbox drain failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends the drain loop and waits for it to exit.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// RunOnce publishes one batch of due records and returns how many were
// sent. A record that fails to publish is rescheduled with backoff.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	recs, err := w.repo.FetchDue(fetchCtx, w.batch)
	cancel()
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, r := range recs {
		pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := w.pub.Publish(pubCtx, r)
		cancel()
		if err == nil {
			if err := w.repo.MarkSent(ctx, r.ID); err != nil {
				return sent, err
			}
			sent++
			continue
		}

		rc := r.RetryCount + 1
		backoff := calcBackoff(rc)
		if err := w.repo.MarkFailed(ctx, r.ID, rc, err.Error(), backoff); err != nil {
			return sent, err
		}
		if rc == 1 || rc%10 == 0 {
			w.log.Warn("outbox publish retry",
				zap.Int64("id", r.ID),
				zap.String("event", string(r.Event)),
				zap.Int("retry", rc),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}
	}
	return sent, nil
}

// calcBackoff doubles from 2s and caps at a minute.
func calcBackoff(retry int) time.Duration {
	if retry <= 0 {
		return time.Second
	}
	d := time.Duration(1<<min(retry, 8)) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
