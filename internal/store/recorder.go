package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/deposit-queue/internal/metrics"
	"github.com/atmx/deposit-queue/internal/model"
)

// Recorder feeds engine events into a Store from a single background
// worker. OnExit and OnRound never block: when the buffer is full the record
// is dropped and counted.
type Recorder struct {
	st      Store
	events  chan event
	timeout time.Duration
	done    chan struct{}
}

type event struct {
	exit  *model.ExitRecord
	round *model.RoundLog
}

// NewRecorder creates a recorder with the given buffer size.
func NewRecorder(st Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		st:      st,
		events:  make(chan event, buffer),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// OnExit queues an exit record.
func (r *Recorder) OnExit(rec model.ExitRecord) {
	r.enqueue(event{exit: &rec})
}

// OnRound queues a concluded round.
func (r *Recorder) OnRound(log model.RoundLog) {
	r.enqueue(event{round: &log})
}

func (r *Recorder) enqueue(ev event) {
	select {
	case r.events <- ev:
	default:
		// Drop if buffer full to avoid blocking the engine.
		metrics.ArchiveDropped.Inc()
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is
// already buffered and returns. Must be called in a goroutine.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			r.write(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.events:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) write(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	switch {
	case ev.exit != nil:
		err = r.st.SaveExit(ctx, *ev.exit)
	case ev.round != nil:
		err = r.st.SaveRound(ctx, *ev.round)
	}
	if err != nil && !errors.Is(err, ErrDuplicateKey) {
		slog.Error("archive write failed", "err", err)
	}
}
