// Package output implements the global event output sink described in
// spec.md section 4.H: a bounded queue between poll ticks and a dedicated
// writer goroutine, with block/drop/disk_buffer overflow strategies and a
// stdout or rotating-file inner destination. Grounded on
// internal/queue/memory/queue.go (bounded, context-aware offer),
// internal/dispatcher/dispatcher.go (dedicated drain goroutine with
// WaitGroup shutdown), and original_source/src/output.rs (inner sink
// semantics, rotation mechanics).
package output

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/herr"
	"github.com/JakeFAU/hel/internal/hevent"
	"github.com/JakeFAU/hel/internal/metrics"
)

// Sink is the process-wide output sink: producers (poll ticks) call Offer
// per envelope; a dedicated writer goroutine drains the queue (or, under
// disk_buffer, the spill files) into the inner sink in FIFO order.
type Sink struct {
	cfg    hconfig.OutputConfig
	inner  innerSink
	queue  *boundedQueue
	spill  *diskBuffer
	logger *zap.Logger

	wg     sync.WaitGroup
	stop   chan struct{}
	fatal  chan error

	emitted atomicCounter
}

// New builds a Sink from global output config and starts its writer
// goroutine.
func New(cfg hconfig.OutputConfig, logger *zap.Logger) (*Sink, error) {
	inner, err := newInnerSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("build output sink: %w", err)
	}

	s := &Sink{
		cfg:    cfg,
		inner:  inner,
		queue:  newBoundedQueue(cfg),
		logger: logger,
		stop:   make(chan struct{}),
		fatal:  make(chan error, 1),
	}

	if cfg.Strategy == hconfig.OutputDiskBuffer {
		db, err := newDiskBuffer(cfg.DiskBuffer.Path, cfg.DiskBuffer.SegmentSizeMB, cfg.DiskBuffer.MaxSizeMB)
		if err != nil {
			return nil, err
		}
		s.spill = db
	}

	s.wg.Add(1)
	go s.runWriter()

	if cfg.MemoryThresholdMB > 0 {
		s.wg.Add(1)
		go s.runMemoryGuard()
	}
	return s, nil
}

// runMemoryGuard samples the process's reported memory usage and, once it
// exceeds memory_threshold_mb, makes the queue treat every offer as if it
// were full until usage drops back down. Go exposes no portable RSS
// reading in the standard library, so this samples runtime.MemStats.Sys
// (the memory Go has obtained from the OS) as the best-effort stand-in.
func (s *Sink) runMemoryGuard() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	thresholdBytes := uint64(s.cfg.MemoryThresholdMB) * 1024 * 1024
	var mem runtime.MemStats
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			runtime.ReadMemStats(&mem)
			s.queue.setMemoryPressure(mem.Sys >= thresholdBytes)
		}
	}
}

// Offer renders env to an NDJSON line and submits it for writing, honoring
// the configured overflow strategy. It returns once the line has been
// accepted by the queue/spill (not once it's been written).
func (s *Sink) Offer(ctx context.Context, sourceID string, env hevent.Envelope) error {
	line, err := env.Line()
	if err != nil {
		return herr.New(herr.KindOutputWrite, sourceID, err)
	}
	return s.OfferLine(ctx, sourceID, line)
}

// OfferLine submits an already-rendered line, used by replay and tests.
func (s *Sink) OfferLine(ctx context.Context, sourceID string, line []byte) error {
	if s.cfg.Strategy == hconfig.OutputDiskBuffer && s.queueFullForSpill() {
		if s.spill.wouldExceedCapacity(len(line)) {
			// Block the producer until the writer has drained spilled
			// bytes back below max_size_mb.
			for s.spill.wouldExceedCapacity(len(line)) {
				select {
				case <-ctx.Done():
					return herr.New(herr.KindOutputWrite, sourceID, ctx.Err())
				case <-time.After(20 * time.Millisecond):
				}
			}
		}
		if err := s.spill.spill(line); err != nil {
			return herr.New(herr.KindOutputWrite, sourceID, err)
		}
		return nil
	}

	dropped, err := s.queue.offer(ctx, item{line: line, sourceID: sourceID, enqueued: time.Now()})
	metrics.SetOutputQueueDepth(s.queue.len())
	if err != nil {
		return herr.New(herr.KindOutputWrite, sourceID, err)
	}
	if dropped {
		s.logger.Warn("output queue dropped line", zap.String("source_id", sourceID), zap.String("reason", "backpressure"))
		metrics.IncEventsDropped(sourceID, "backpressure")
	}
	return nil
}

// queueFullForSpill reports whether the in-memory queue is at capacity, the
// trigger for routing new lines to the spill files instead.
func (s *Sink) queueFullForSpill() bool {
	return s.cfg.EventQueueSize > 0 && s.queue.len() >= s.cfg.EventQueueSize
}

// runWriter drains the queue (and, under disk_buffer, the spill files
// first) into the inner sink until Close is called.
func (s *Sink) runWriter() {
	defer s.wg.Done()
	ctx, cancel := contextFromStop(s.stop)
	defer cancel()

	for {
		if s.spill != nil {
			if line, ok, err := s.spill.drainNext(); err != nil {
				s.reportFatal(err)
				return
			} else if ok {
				s.writeOne(line)
				continue
			}
		}

		it, ok := s.queue.take(ctx)
		if !ok {
			if s.drainRemaining() {
				continue
			}
			return
		}
		s.writeOne(it.line)
	}
}

// drainRemaining flushes any items left in the queue/spill after stop was
// signaled, so accepted-but-unwritten lines are still emitted on shutdown.
func (s *Sink) drainRemaining() bool {
	if s.spill != nil {
		if line, ok, _ := s.spill.drainNext(); ok {
			s.writeOne(line)
			return true
		}
	}
	if s.queue.len() > 0 {
		it, ok := s.queue.take(context.Background())
		if ok {
			s.writeOne(it.line)
			return true
		}
	}
	return false
}

func (s *Sink) writeOne(line []byte) {
	if err := s.inner.writeLine(line); err != nil {
		s.reportFatal(err)
		return
	}
	s.emitted.add(1)
}

func (s *Sink) reportFatal(err error) {
	s.logger.Error("output sink write failed", zap.Error(err))
	select {
	case s.fatal <- err:
	default:
	}
}

// Fatal returns a channel that receives a fatal write error (e.g. a broken
// pipe on the stdout sink), so the caller can exit non-zero.
func (s *Sink) Fatal() <-chan error {
	return s.fatal
}

// EmittedCount returns the number of lines actually written to the inner
// sink so far.
func (s *Sink) EmittedCount() int64 {
	return s.emitted.get()
}

// DroppedCount returns the number of lines dropped under the drop strategy.
func (s *Sink) DroppedCount() int64 {
	return s.queue.droppedCount()
}

// QueueDepth returns the current number of items waiting in the in-memory
// queue, for metrics/health reporting.
func (s *Sink) QueueDepth() int {
	return s.queue.len()
}

// Close signals the writer to drain remaining items and stop, then closes
// the inner sink.
func (s *Sink) Close() error {
	close(s.stop)
	s.queue.close()
	s.wg.Wait()

	if s.spill != nil {
		s.spill.close()
	}
	if err := s.inner.flush(); err != nil {
		return err
	}
	return s.inner.close()
}

func contextFromStop(stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
