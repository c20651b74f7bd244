package archive

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/decoyhq/mirage/internal/breaker"
	"github.com/decoyhq/mirage/internal/events"
)

const storeTimeout = 5 * time.Second

// Sink is one archive destination.
type Sink interface {
	Name() string
	Store(ctx context.Context, rec *Record) error
}

type guardedSink struct {
	sink Sink
	br   *breaker.Breaker
}

// Tee consumes verdict events from the bus and fans each record out to
// every sink. Each sink sits behind its own circuit breaker, so one dead
// store does not slow the others down.
type Tee struct {
	bus    *events.Bus
	sinks  []guardedSink
	logger *log.Logger

	ch   chan *events.Event
	done chan struct{}

	stored  atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

func NewTee(bus *events.Bus, sinks ...Sink) *Tee {
	guarded := make([]guardedSink, len(sinks))
	for i, s := range sinks {
		guarded[i] = guardedSink{sink: s, br: breaker.New(s.Name(), breaker.Config{})}
	}
	return &Tee{
		bus:    bus,
		sinks:  guarded,
		logger: log.New(log.Writer(), "[ARCHIVE] ", log.LstdFlags),
	}
}

// Start subscribes to verdict events and begins archiving.
func (t *Tee) Start() {
	t.ch = t.bus.Subscribe(events.TypeVerdict)
	t.done = make(chan struct{})
	go t.loop()
}

// Stop unsubscribes and waits for in-flight writes to finish.
func (t *Tee) Stop() {
	if t.ch == nil {
		return
	}
	t.bus.Unsubscribe(t.ch)
	<-t.done
	t.ch = nil
}

func (t *Tee) loop() {
	defer close(t.done)
	for ev := range t.ch {
		if rec, ok := fromEvent(ev); ok {
			t.store(rec)
		}
	}
}

func (t *Tee) store(rec *Record) {
	for i := range t.sinks {
		g := &t.sinks[i]
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := g.br.Do(func() error {
			return g.sink.Store(ctx, rec)
		})
		cancel()
		switch {
		case err == nil:
			t.stored.Add(1)
		case errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrTooManyProbes):
			t.skipped.Add(1)
		default:
			t.failed.Add(1)
			t.logger.Printf("archive to %s failed: %v", g.sink.Name(), err)
		}
	}
}

// Stats reports write counters and per-sink breaker state.
func (t *Tee) Stats() map[string]interface{} {
	sinks := make([]map[string]interface{}, len(t.sinks))
	for i := range t.sinks {
		sinks[i] = t.sinks[i].br.Stats()
	}
	return map[string]interface{}{
		"stored":  t.stored.Load(),
		"failed":  t.failed.Load(),
		"skipped": t.skipped.Load(),
		"sinks":   sinks,
	}
}
