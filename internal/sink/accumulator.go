package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Accumulator buffers records per destination table and hands full
// generations to a Writer. The mutex guards only the buffer swap, never a
// network write, so intake stays fast while a flush is in flight.
//
// Threshold flushes run in the background on the swapped-out generation.
// Their errors are not lost: they are held and folded into the next Flush or
// Drain result.
type Accumulator struct {
	writer    *Writer
	threshold int
	log       *slog.Logger

	mu      sync.Mutex
	buffers Buffers
	pending int
	held    error

	inflight sync.WaitGroup
}

// NewAccumulator returns an accumulator flushing through w once threshold
// records are pending.
func NewAccumulator(w *Writer, threshold int, log *slog.Logger) *Accumulator {
	return &Accumulator{
		writer:    w,
		threshold: threshold,
		log:       log,
		buffers:   Buffers{},
	}
}

// Accept appends rec to its table bucket. It never fails; write errors
// surface from Flush or Drain. Crossing the threshold swaps the current
// generation out and writes it in the background, so records arriving during
// the write land in a fresh generation.
func (a *Accumulator) Accept(rec Record) {
	a.mu.Lock()
	a.buffers[rec.Table] = append(a.buffers[rec.Table], rec)
	a.pending++
	var gen Buffers
	if a.pending >= a.threshold {
		gen = a.swapLocked()
	}
	a.mu.Unlock()

	if gen == nil {
		return
	}
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		// Background: an in-flight batch finishes even if intake stops.
		if err := a.writer.Write(context.Background(), gen); err != nil {
			a.log.Error("threshold flush failed", "records", gen.Len(), "error", err)
			a.mu.Lock()
			a.held = errors.Join(a.held, err)
			a.mu.Unlock()
		}
	}()
}

// Flush writes the current generation synchronously. The result also carries
// any held error from earlier background flushes. Flushing an empty buffer
// is a no-op.
func (a *Accumulator) Flush(ctx context.Context) error {
	a.mu.Lock()
	gen := a.swapLocked()
	a.mu.Unlock()

	var err error
	if gen != nil {
		err = a.writer.Write(ctx, gen)
	}
	return errors.Join(a.takeHeld(), err)
}

// Drain flushes pending records and waits for background flushes to settle.
// Used on shutdown.
func (a *Accumulator) Drain(ctx context.Context) error {
	err := a.Flush(ctx)
	a.inflight.Wait()
	return errors.Join(err, a.takeHeld())
}

// Pending reports the record count in the current generation.
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

func (a *Accumulator) swapLocked() Buffers {
	if a.pending == 0 {
		return nil
	}
	gen := a.buffers
	a.buffers = make(Buffers, len(gen))
	a.pending = 0
	return gen
}

func (a *Accumulator) takeHeld() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.held
	a.held = nil
	return err
}
