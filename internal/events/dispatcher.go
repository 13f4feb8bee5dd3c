package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type DispatcherConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	SinkTimeout   time.Duration
	// OnDrop is called once per event discarded because the buffer was full.
	OnDrop func(Event)
}

// Dispatcher buffers events in memory and flushes them in batches to every sink.
// Publish never blocks; a full buffer drops the event.
type Dispatcher struct {
	cfg    DispatcherConfig
	sinks  []Sink
	logger *zap.Logger

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewDispatcher(cfg DispatcherConfig, sinks []Sink, logger *zap.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}

	d := &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger,
		queue:  make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ev)
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.drop(ev)
	}
}

func (d *Dispatcher) drop(ev Event) {
	d.logger.Warn("Dropping OTP event", zap.String("type", string(ev.Type)))
	if d.cfg.OnDrop != nil {
		d.cfg.OnDrop(ev)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.cfg.BatchSize)
	for {
		select {
		case ev, ok := <-d.queue:
			if !ok {
				d.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				d.flush(batch)
				batch = make([]Event, 0, d.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(batch)
				batch = make([]Event, 0, d.cfg.BatchSize)
			}
		}
	}
}

func (d *Dispatcher) flush(batch []Event) {
	if len(batch) == 0 || len(d.sinks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SinkTimeout)
	defer cancel()

	// Sinks are independent: one failing sink must not stop the others.
	var g errgroup.Group
	for _, sink := range d.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, batch); err != nil {
				d.logger.Error("Failed to write OTP events",
					zap.String("sink", sink.Name()),
					zap.Int("batch_size", len(batch)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops accepting events, flushes what is buffered and closes every sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			d.logger.Warn("Failed to close event sink", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
	return nil
}
