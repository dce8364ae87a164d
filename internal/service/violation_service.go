package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fangate/fangate/internal/domain/violation"
)

// ViolationService records denials asynchronously through a buffered channel
// and a background worker, so persistence never blocks the decision path.
// When the buffer is full the record is dropped and counted; a lost audit
// row must never delay or change a throttling decision.
type ViolationService struct {
	store         violation.Store
	records       chan violation.Record
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	channelSize   int
	sendTimeout   time.Duration
	dropCount     atomic.Int64
	onDrop        func()
}

// ViolationOption configures a ViolationService.
type ViolationOption func(*ViolationService)

// WithViolationBatchSize sets how many records to batch per write. Default 64.
func WithViolationBatchSize(n int) ViolationOption {
	return func(s *ViolationService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithViolationFlushInterval sets the idle flush interval. Default 1s.
func WithViolationFlushInterval(d time.Duration) ViolationOption {
	return func(s *ViolationService) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithViolationBuffer sets the channel buffer size. Default 1024.
func WithViolationBuffer(n int) ViolationOption {
	return func(s *ViolationService) {
		if n > 0 {
			s.records = make(chan violation.Record, n)
			s.channelSize = n
		}
	}
}

// WithViolationSendTimeout sets how long Record may block on a full buffer
// before dropping. Zero drops immediately. Default 50ms.
func WithViolationSendTimeout(d time.Duration) ViolationOption {
	return func(s *ViolationService) { s.sendTimeout = d }
}

// WithDropHook installs a callback invoked once per dropped record, for
// metrics.
func WithDropHook(hook func()) ViolationOption {
	return func(s *ViolationService) { s.onDrop = hook }
}

// NewViolationService creates the recorder on the given store.
func NewViolationService(store violation.Store, logger *slog.Logger, opts ...ViolationOption) *ViolationService {
	const defaultBuffer = 1024
	s := &ViolationService{
		store:         store,
		records:       make(chan violation.Record, defaultBuffer),
		logger:        logger,
		batchSize:     64,
		flushInterval: time.Second,
		channelSize:   defaultBuffer,
		sendTimeout:   50 * time.Millisecond,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker.
func (s *ViolationService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record implements ViolationRecorder. Fast path is a non-blocking send;
// when the buffer is full it blocks up to sendTimeout, then drops.
func (s *ViolationService) Record(record violation.Record) {
	select {
	case s.records <- record:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.drop(record)
		return
	}

	select {
	case s.records <- record:
	case <-time.After(s.sendTimeout):
		s.drop(record)
	}
}

// Dropped returns the number of records lost to backpressure.
func (s *ViolationService) Dropped() int64 {
	return s.dropCount.Load()
}

// Stop closes the intake and waits for pending records to flush.
func (s *ViolationService) Stop() {
	close(s.records)
	s.wg.Wait()
}

func (s *ViolationService) drop(record violation.Record) {
	drops := s.dropCount.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
	s.logger.Warn("violation record dropped",
		"user_id", record.UserID,
		"reason", record.Reason,
		"total_drops", drops,
	)
}

// worker batches and writes records until the channel closes or ctx ends.
func (s *ViolationService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]violation.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case record, ok := <-s.records:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, record)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever is already buffered, then leave.
			for {
				select {
				case record, ok := <-s.records:
					if !ok {
						s.finalFlush(batch)
						return
					}
					batch = append(batch, record)
				default:
					s.finalFlush(batch)
					return
				}
			}
		}
	}
}

// finalFlush writes the remaining batch under its own bounded deadline.
func (s *ViolationService) finalFlush(batch []violation.Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx, batch)
}

// flush writes a batch. Errors are logged, never propagated.
func (s *ViolationService) flush(ctx context.Context, batch []violation.Record) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write violation batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// Compile-time interface verification.
var _ ViolationRecorder = (*ViolationService)(nil)
