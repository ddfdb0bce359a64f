// Package processor turns raw hub messages into enriched canonical events.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hubstream/internal/config"
	"hubstream/internal/metrics"
	"hubstream/internal/model"
	"hubstream/internal/utils"
)

// Lookup is a non-blocking enrichment lookup. A miss returns false immediately.
type Lookup[V any] interface {
	Get(key string) (V, bool)
}

// Sink receives processed events. Put may block to apply backpressure.
type Sink interface {
	Put(ctx context.Context, event *model.CanonicalEvent) error
}

// Stats summarizes processor counters for health reporting
type Stats struct {
	Received         int64            `json:"received"`
	Processed        int64            `json:"processed"`
	Dropped          map[string]int64 `json:"dropped"`
	EnrichedWeather  int64            `json:"enriched_weather"`
	EnrichedMetadata int64            `json:"enriched_metadata"`
	EnrichmentMisses int64            `json:"enrichment_misses"`
}

// Processor validates, filters, and enriches hub events
type Processor struct {
	cfg      config.ProcessorConfig
	location string
	weather  Lookup[*model.WeatherSnapshot]
	metadata Lookup[*model.DeviceMetadata]
	logger   *utils.ServiceLogger
	metrics  *metrics.Metrics

	received         atomic.Int64
	processed        atomic.Int64
	enrichedWeather  atomic.Int64
	enrichedMetadata atomic.Int64
	enrichmentMisses atomic.Int64

	droppedMu sync.Mutex
	dropped   map[string]int64
}

// New creates a processor. weather, metadata and m may be nil.
func New(
	cfg config.ProcessorConfig,
	location string,
	weather Lookup[*model.WeatherSnapshot],
	metadata Lookup[*model.DeviceMetadata],
	logger *zap.Logger,
	m *metrics.Metrics,
) *Processor {
	return &Processor{
		cfg:      cfg,
		location: location,
		weather:  weather,
		metadata: metadata,
		logger:   utils.NewServiceLogger(logger, "processor"),
		metrics:  m,
		dropped:  make(map[string]int64),
	}
}

// hubEvent is the event object of a hub "event" message
type hubEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string            `json:"entity_id"`
		OldState *model.StateBlock `json:"old_state"`
		NewState *model.StateBlock `json:"new_state"`
	} `json:"data"`
	TimeFired time.Time          `json:"time_fired"`
	Context   model.EventContext `json:"context"`
}

// Process converts one raw message into a canonical event. Invalid or
// filtered events are counted and returned as errors.
func (p *Processor) Process(ctx context.Context, raw model.RawMessage) (*model.CanonicalEvent, error) {
	p.received.Add(1)
	if p.metrics != nil {
		p.metrics.EventsReceived.Inc()
	}

	ev, err := p.decode(raw)
	if err != nil {
		p.drop("", err)
		return nil, err
	}
	return p.build(ctx, raw, ev)
}

// Run consumes in until it is closed or ctx ends and hands every event to
// sink. Events of one entity are always handled by the same worker.
func (p *Processor) Run(ctx context.Context, in <-chan model.RawMessage, sink Sink) error {
	workers := p.cfg.Workers
	if workers <= 1 {
		return p.runWorker(ctx, in, sink)
	}

	g, gctx := errgroup.WithContext(ctx)
	shards := make([]chan shardItem, workers)
	for i := range shards {
		shard := make(chan shardItem, 1)
		shards[i] = shard
		g.Go(func() error {
			for item := range shard {
				event, err := p.build(gctx, item.raw, item.event)
				if err != nil {
					continue
				}
				if err := sink.Put(gctx, event); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case raw, ok := <-in:
				if !ok {
					return nil
				}
				p.received.Add(1)
				if p.metrics != nil {
					p.metrics.EventsReceived.Inc()
				}
				ev, err := p.decode(raw)
				if err != nil {
					p.drop("", err)
					continue
				}
				select {
				case shards[shardFor(ev.Data.EntityID, workers)] <- shardItem{raw: raw, event: ev}:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stats returns a snapshot of the processor counters
func (p *Processor) Stats() Stats {
	p.droppedMu.Lock()
	dropped := make(map[string]int64, len(p.dropped))
	for reason, n := range p.dropped {
		dropped[reason] = n
	}
	p.droppedMu.Unlock()

	return Stats{
		Received:         p.received.Load(),
		Processed:        p.processed.Load(),
		Dropped:          dropped,
		EnrichedWeather:  p.enrichedWeather.Load(),
		EnrichedMetadata: p.enrichedMetadata.Load(),
		EnrichmentMisses: p.enrichmentMisses.Load(),
	}
}

type shardItem struct {
	raw   model.RawMessage
	event *hubEvent
}

func shardFor(entityID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(n))
}

func (p *Processor) runWorker(ctx context.Context, in <-chan model.RawMessage, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			event, err := p.Process(ctx, raw)
			if err != nil {
				continue
			}
			if err := sink.Put(ctx, event); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to hand off event: %w", err)
			}
		}
	}
}

func (p *Processor) decode(raw model.RawMessage) (*hubEvent, error) {
	if raw.Type != "" && raw.Type != "event" {
		return nil, model.NewPipelineError(model.ErrProtocol, "decode",
			fmt.Errorf("unexpected message type %q", raw.Type))
	}

	var ev hubEvent
	if err := json.Unmarshal(raw.Payload, &ev); err != nil {
		return nil, model.NewPipelineError(model.ErrValidation, "decode", err)
	}
	return &ev, nil
}

func (p *Processor) build(ctx context.Context, raw model.RawMessage, ev *hubEvent) (*model.CanonicalEvent, error) {
	entityID := ev.Data.EntityID
	domain, _, err := model.SplitEntityID(entityID)
	if err != nil {
		p.drop(entityID, err)
		return nil, err
	}

	if err := p.filter(domain, entityID); err != nil {
		p.drop(entityID, err)
		return nil, err
	}

	timeFired := ev.TimeFired
	if timeFired.IsZero() {
		timeFired = raw.ReceivedAt
	}

	event := &model.CanonicalEvent{
		EventType: model.EventType(ev.EventType),
		EntityID:  entityID,
		Domain:    domain,
		OldState:  ev.Data.OldState,
		NewState:  ev.Data.NewState,
		Context:   ev.Context,
		TimeFired: timeFired.UTC(),
	}
	if err := event.Validate(); err != nil {
		p.drop(entityID, err)
		return nil, err
	}

	if event.OldState != nil && !event.OldState.LastChanged.IsZero() && !event.NewState.LastChanged.IsZero() {
		duration := event.NewState.LastChanged.Sub(event.OldState.LastChanged).Seconds()
		event.DurationInState = &duration
	}

	p.enrich(event)

	p.processed.Add(1)
	if p.metrics != nil {
		p.metrics.EventsProcessed.Inc()
	}
	return event, nil
}

func (p *Processor) filter(domain, entityID string) error {
	if len(p.cfg.IncludeDomains) > 0 && !containsString(p.cfg.IncludeDomains, domain) {
		return model.NewPipelineError(model.ErrFiltered, "filter",
			fmt.Errorf("domain %q not included", domain))
	}
	for _, pattern := range p.cfg.ExcludeEntities {
		if matched, _ := path.Match(pattern, entityID); matched {
			return model.NewPipelineError(model.ErrFiltered, "filter",
				fmt.Errorf("entity %q excluded by %q", entityID, pattern))
		}
	}
	return nil
}

func (p *Processor) enrich(event *model.CanonicalEvent) {
	if p.weather != nil && p.location != "" {
		if snapshot, ok := p.weather.Get(p.location); ok && snapshot != nil {
			event.Enrichment.Weather = snapshot
			p.enrichedWeather.Add(1)
		} else {
			p.enrichmentMiss(event.EntityID, "weather", p.location)
		}
	}
	if p.metadata != nil {
		if meta, ok := p.metadata.Get(event.EntityID); ok && meta != nil {
			event.Enrichment.Metadata = meta
			p.enrichedMetadata.Add(1)
		} else {
			p.enrichmentMiss(event.EntityID, "metadata", event.EntityID)
		}
	}
}

// enrichmentMiss records an event forwarded without one enrichment source
func (p *Processor) enrichmentMiss(entityID, source, key string) {
	p.enrichmentMisses.Add(1)
	err := model.NewPipelineError(model.ErrEnrichmentMiss, source, fmt.Errorf("nothing cached for %q", key))
	p.logger.Debug("Event forwarded without enrichment",
		zap.String("entity_id", entityID),
		zap.String("reason", model.Reason(err)),
		zap.Error(err),
	)
}

func (p *Processor) drop(entityID string, err error) {
	reason := model.Reason(err)

	p.droppedMu.Lock()
	p.dropped[reason]++
	p.droppedMu.Unlock()

	if p.metrics != nil {
		p.metrics.EventsDropped.WithLabelValues(reason).Inc()
	}

	if errors.Is(err, model.ErrFiltered) {
		p.logger.Debug("Event filtered", zap.String("entity_id", entityID), zap.Error(err))
		return
	}
	p.logger.LogDrop(reason, entityID, err)
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
