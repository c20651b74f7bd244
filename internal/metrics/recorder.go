package metrics

import (
	"github.com/decoyhq/mirage/internal/events"
)

// Recorder drains defense events off the bus into the collectors, keeping
// the pipeline itself free of Prometheus types.
type Recorder struct {
	metrics *Metrics
	bus     *events.Bus
	ch      chan *events.Event
	done    chan struct{}
}

func NewRecorder(m *Metrics, bus *events.Bus) *Recorder {
	return &Recorder{metrics: m, bus: bus}
}

// Start subscribes to the defense topics and consumes them until Stop.
func (r *Recorder) Start() {
	r.ch = r.bus.Subscribe(
		events.TypeVerdict,
		events.TypeCountermeasures,
		events.TypeFailClosed,
		events.TypeDegradation,
		events.TypeConfigReloaded,
		events.TypeConfigRejected,
	)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for ev := range r.ch {
			r.handle(ev)
		}
	}()
}

// Stop unsubscribes and waits for the drain loop to exit.
func (r *Recorder) Stop() {
	if r.ch == nil {
		return
	}
	r.bus.Unsubscribe(r.ch)
	<-r.done
	r.ch = nil
}

func (r *Recorder) handle(ev *events.Event) {
	switch ev.Type {
	case events.TypeVerdict:
		r.metrics.RecordVerdict(
			str(ev.Data, "action"),
			str(ev.Data, "level"),
			str(ev.Data, "category"),
			num(ev.Data, "risk_score"),
		)
	case events.TypeCountermeasures:
		r.metrics.RecordCountermeasure(str(ev.Data, "scenario"))
	case events.TypeFailClosed:
		r.metrics.RecordFailClosed()
	case events.TypeDegradation:
		r.metrics.RecordDegradation(str(ev.Data, "template"))
	case events.TypeConfigReloaded:
		r.metrics.RecordReload(true)
	case events.TypeConfigRejected:
		r.metrics.RecordReload(false)
	}
}

func str(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func num(data map[string]interface{}, key string) float64 {
	f, _ := data[key].(float64)
	return f
}
