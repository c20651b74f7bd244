package deception

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"

	"github.com/decoyhq/mirage/internal/config"
)

// BuildError reports a payload that could not be materialized. The caller
// is expected to degrade to the generic template rather than drop the
// countermeasure.
type BuildError struct {
	TemplateID string
	Reason     string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("payload build failed for template %q: %s", e.TemplateID, e.Reason)
}

// Payload is a materialized deceptive document. Document holds the typed
// structure; Render produces the bytes served to the caller.
type Payload struct {
	Kind        string      `json:"kind"`
	Scenario    string      `json:"scenario"`
	Token       string      `json:"tracking_token"`
	ContentType string      `json:"content_type"`
	Document    interface{} `json:"document"`
}

// Render serializes the document in the representation its kind calls for.
// Env dumps render as dotenv text, everything else as indented JSON.
func (p *Payload) Render() ([]byte, error) {
	if env, ok := p.Document.(*EnvDump); ok {
		return []byte(env.Text()), nil
	}
	out, err := json.MarshalIndent(p.Document, "", "  ")
	if err != nil {
		return nil, &BuildError{TemplateID: p.Kind, Reason: err.Error()}
	}
	return out, nil
}

type builderFunc func(b *build) (interface{}, error)

// build carries everything a single materialization needs. The generator is
// seeded from the token, so the same token replays the same document.
type build struct {
	scenario *config.Scenario
	tier     config.IntensityTier
	token    string
	now      float64
	rng      *rand.Rand
}

// Factory builds deceptive payloads. Stateless apart from counters; safe for
// concurrent use because every Build carries its own seeded generator.
type Factory struct {
	logger *log.Logger

	builds   atomic.Int64
	failures atomic.Int64
}

func NewFactory() *Factory {
	return &Factory{
		logger: log.New(log.Writer(), "[DECEPTION] ", log.LstdFlags),
	}
}

// Build materializes the scenario's payload at the given intensity. The
// token must be non-empty and ends up embedded in the document; now is the
// request timestamp in epoch seconds and only feeds document fields, never
// the generator.
func (f *Factory) Build(sc *config.Scenario, tier config.IntensityTier, token string, now float64) (*Payload, error) {
	if token == "" {
		f.failures.Add(1)
		return nil, &BuildError{TemplateID: sc.TemplateID, Reason: "empty tracking token"}
	}
	if tier.Records <= 0 {
		f.failures.Add(1)
		return nil, &BuildError{TemplateID: sc.TemplateID, Reason: "intensity tier has no records"}
	}
	builder, ok := builders[sc.TemplateID]
	if !ok {
		f.failures.Add(1)
		return nil, &BuildError{TemplateID: sc.TemplateID, Reason: "no builder registered"}
	}

	b := &build{
		scenario: sc,
		tier:     tier,
		token:    token,
		now:      now,
		rng:      rand.New(rand.NewSource(seedFrom(token))),
	}
	doc, err := builder(b)
	if err != nil {
		f.failures.Add(1)
		f.logger.Printf("build failed template=%s scenario=%s: %v", sc.TemplateID, sc.Name, err)
		return nil, err
	}
	f.builds.Add(1)

	return &Payload{
		Kind:        sc.TemplateID,
		Scenario:    sc.Name,
		Token:       token,
		ContentType: contentTypeFor(sc.TemplateID),
		Document:    doc,
	}, nil
}

func contentTypeFor(templateID string) string {
	if templateID == config.TemplateEnvDump {
		return "text/plain; charset=utf-8"
	}
	return "application/json"
}

// Stats reports build counters.
func (f *Factory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"builds":   f.builds.Load(),
		"failures": f.failures.Load(),
	}
}

// seedFrom derives the generator seed from the token so identical tokens
// replay identical payloads.
func seedFrom(token string) int64 {
	sum := sha256.Sum256([]byte(token))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
