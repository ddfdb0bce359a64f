// internal/service/writer_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hubstream/internal/alerting"
	"hubstream/internal/batch"
	"hubstream/internal/config"
	"hubstream/internal/metrics"
	"hubstream/internal/model"
	"hubstream/internal/normalizer"
	"hubstream/internal/repository"
	"hubstream/internal/utils"
)

var (
	// ErrQueueFull is returned when points cannot be queued within the enqueue timeout
	ErrQueueFull = errors.New("writer queue full")
	// ErrShuttingDown is returned once the writer stopped accepting events
	ErrShuttingDown = errors.New("writer shutting down")
)

// EventRejection reports one event of a request that was not accepted
type EventRejection struct {
	Index    int    `json:"index"`
	EntityID string `json:"entity_id,omitempty"`
	Reason   string `json:"reason"`
	Error    string `json:"error"`
}

// WriteSummary is the outcome of one Write call
type WriteSummary struct {
	Accepted    int              `json:"accepted"`
	Rejected    int              `json:"rejected"`
	FieldErrors int              `json:"field_errors"`
	Rejections  []EventRejection `json:"rejections,omitempty"`
}

// WriterStats summarizes writer counters for health reporting
type WriterStats struct {
	EventsAccepted int64 `json:"events_accepted"`
	EventsRejected int64 `json:"events_rejected"`
	PointsWritten  int64 `json:"points_written"`
	TypeConflicts  int64 `json:"type_conflicts"`
	StoreErrors    int64 `json:"store_errors"`
	PointsPending  int   `json:"points_pending"`
}

// WriterService normalizes incoming events and writes them to the point
// store in batches bounded by size and age
type WriterService struct {
	cfg        config.WriterConfig
	normalizer *normalizer.Normalizer
	repo       repository.PointRepository
	acc        *batch.Accumulator[*model.NormalizedPoint]
	notifier   alerting.Notifier
	logger     *utils.ServiceLogger
	metrics    *metrics.Metrics

	closing        atomic.Bool
	eventsAccepted atomic.Int64
	eventsRejected atomic.Int64
	pointsWritten  atomic.Int64
	typeConflicts  atomic.Int64
	storeErrors    atomic.Int64
}

// NewWriterService creates a writer service. notifier and m may be nil.
func NewWriterService(
	cfg config.WriterConfig,
	norm *normalizer.Normalizer,
	repo repository.PointRepository,
	notifier alerting.Notifier,
	logger *zap.Logger,
	m *metrics.Metrics,
) *WriterService {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	return &WriterService{
		cfg:        cfg,
		normalizer: norm,
		repo:       repo,
		acc: batch.New[*model.NormalizedPoint](batch.Config{
			Stage:     "write",
			MaxSize:   cfg.MaxSize,
			MaxAge:    cfg.MaxAge,
			QueueSize: cfg.QueueSize,
		}, m),
		notifier: notifier,
		logger:   utils.NewServiceLogger(logger, "writer-service"),
		metrics:  m,
	}
}

// LoadFieldTypes seeds the type table from the store, then from configuration.
// Types already held by the store take precedence.
func (s *WriterService) LoadFieldTypes(ctx context.Context) error {
	measurement := s.normalizer.Measurement()

	stored, err := s.repo.FieldTypes(ctx, measurement)
	if err != nil {
		return fmt.Errorf("failed to load field types: %w", err)
	}
	s.normalizer.Table().Seed(measurement, stored)

	configured, err := normalizer.ParseFieldTypes(s.cfg.FieldTypes)
	if err != nil {
		return fmt.Errorf("invalid writer.field_types: %w", err)
	}
	s.normalizer.Table().Seed(measurement, configured)

	s.logger.Info("Field types loaded",
		zap.String("measurement", measurement),
		zap.Int("from_store", len(stored)),
		zap.Int("from_config", len(configured)),
	)
	return nil
}

// Write validates and normalizes events and queues their points. Invalid
// events are rejected individually; the rest of the request is accepted.
func (s *WriterService) Write(ctx context.Context, events []*model.CanonicalEvent) (*WriteSummary, error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}

	summary := &WriteSummary{}
	for i, event := range events {
		point, fieldErrs, err := s.normalizer.Normalize(event)
		summary.FieldErrors += len(fieldErrs)
		if err != nil {
			s.reject(summary, i, event, err)
			continue
		}

		if err := s.enqueue(ctx, point); err != nil {
			return summary, err
		}
		summary.Accepted++
		s.eventsAccepted.Add(1)
		if s.metrics != nil {
			s.metrics.EventsAccepted.Inc()
		}
	}
	return summary, nil
}

// Run writes released batches until ctx ends or Close is called. Pending
// points are flushed before it returns.
func (s *WriterService) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acc.Run(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case b, ok := <-s.acc.Output():
				if !ok {
					return nil
				}
				s.flush(b)
			case <-ctx.Done():
				s.drain()
				return nil
			}
		}
	})

	return g.Wait()
}

// Close stops accepting events and releases pending points as a final batch
func (s *WriterService) Close(ctx context.Context) error {
	s.closing.Store(true)
	return s.acc.Close(ctx)
}

// Ready reports whether the store is reachable and events are accepted
func (s *WriterService) Ready(ctx context.Context) error {
	if s.closing.Load() {
		return ErrShuttingDown
	}
	return s.repo.HealthCheck(ctx)
}

// Stats returns a snapshot of the writer counters
func (s *WriterService) Stats() WriterStats {
	return WriterStats{
		EventsAccepted: s.eventsAccepted.Load(),
		EventsRejected: s.eventsRejected.Load(),
		PointsWritten:  s.pointsWritten.Load(),
		TypeConflicts:  s.typeConflicts.Load(),
		StoreErrors:    s.storeErrors.Load(),
		PointsPending:  s.acc.Pending(),
	}
}

func (s *WriterService) enqueue(ctx context.Context, point *model.NormalizedPoint) error {
	putCtx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()

	err := s.acc.Put(putCtx, point)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, batch.ErrClosed):
		return ErrShuttingDown
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return ErrQueueFull
	default:
		return err
	}
}

func (s *WriterService) reject(summary *WriteSummary, index int, event *model.CanonicalEvent, err error) {
	reason := model.Reason(err)
	entityID := ""
	if event != nil {
		entityID = event.EntityID
	}

	summary.Rejected++
	summary.Rejections = append(summary.Rejections, EventRejection{
		Index:    index,
		EntityID: entityID,
		Reason:   reason,
		Error:    err.Error(),
	})

	s.eventsRejected.Add(1)
	if s.metrics != nil {
		s.metrics.PointsDropped.WithLabelValues(reason).Inc()
	}
	s.logger.LogDrop(reason, entityID, err)
}

// drain closes the accumulator and writes what it releases
func (s *WriterService) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()

	s.closing.Store(true)
	done := make(chan error, 1)
	go func() { done <- s.acc.Close(ctx) }()

	for b := range s.acc.Output() {
		s.flush(b)
	}
	if err := <-done; err != nil {
		var unreleased *batch.UnreleasedError
		if errors.As(err, &unreleased) && s.metrics != nil {
			s.metrics.PointsDropped.WithLabelValues("shutdown").Add(float64(unreleased.Items))
		}
		s.logger.Error("Final flush failed", zap.Error(err))
	}
}

// flush writes one batch. Writes get their own deadline so batches released
// during shutdown are still persisted.
func (s *WriterService) flush(b *batch.Batch[*model.NormalizedPoint]) {
	if b.Len() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.repo.WritePoints(ctx, b.Items)
	if s.metrics != nil {
		s.metrics.WriteLatency.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		s.storeErrors.Add(1)
		if s.metrics != nil {
			s.metrics.PointsDropped.WithLabelValues("store_error").Add(float64(b.Len()))
		}
		s.logger.Error("Failed to write points",
			zap.Int("points", b.Len()),
			zap.String("trigger", string(b.Trigger)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		s.alert(alerting.Alert{
			Key:      "writer_store_error",
			Severity: alerting.SeverityCritical,
			Title:    "Point store write failed",
			Message:  fmt.Sprintf("%d points could not be written: %v", b.Len(), err),
			Fields:   map[string]interface{}{"points": b.Len()},
		})
		return
	}

	s.pointsWritten.Add(int64(result.Written))
	if s.metrics != nil {
		s.metrics.PointsWritten.Add(float64(result.Written))
	}

	conflicts := 0
	for _, rejected := range result.Rejected {
		if errors.Is(rejected.Err, model.ErrTypeConflict) {
			conflicts++
			s.typeConflicts.Add(1)
		}
		if s.metrics != nil {
			s.metrics.PointsDropped.WithLabelValues(model.Reason(rejected.Err)).Inc()
		}
		s.logger.Error("Point rejected by store",
			zap.String("measurement", rejected.Point.Measurement),
			zap.String("entity_id", rejected.Point.Tags["entity_id"]),
			zap.Time("time", rejected.Point.Time),
			zap.Any("tags", rejected.Point.Tags),
			zap.Any("fields", rejected.Point.Fields),
			zap.Error(rejected.Err),
		)
	}

	if n := len(result.Rejected); conflicts > 0 {
		s.alert(alerting.Alert{
			Key:      "writer_type_conflict",
			Severity: alerting.SeverityWarning,
			Title:    "Points rejected for field type conflicts",
			Message:  fmt.Sprintf("%d of %d points were dropped, %d for type conflicts", n, b.Len(), conflicts),
			Fields:   map[string]interface{}{"rejected": n, "conflicts": conflicts, "written": result.Written},
		})
	}

	s.logger.Debug("Points written",
		zap.Int("written", result.Written),
		zap.Int("rejected", len(result.Rejected)),
		zap.String("trigger", string(b.Trigger)),
		zap.Duration("duration", time.Since(start)),
	)
}

func (s *WriterService) alert(alert alerting.Alert) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, alert); err != nil {
		s.logger.Error("Failed to send alert", zap.String("alert_key", alert.Key), zap.Error(err))
	}
}
