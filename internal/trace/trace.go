// Package trace exports step histories as self-describing JSON documents.
// A document is validated against an embedded JSON schema and sealed with a
// sha256 digest of its RFC 8785 canonical form.
package trace

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/structgate/internal/engine"
	"github.com/danielpatrickdp/structgate/internal/signals"
	"github.com/danielpatrickdp/structgate/internal/store"
	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
)

// SchemaVersion is written into every document.
const SchemaVersion = "1"

//go:embed schema.json
var schemaJSON []byte

var (
	// ErrInvalidDocument is returned when a document fails schema validation.
	ErrInvalidDocument = errors.New("invalid trace document")
	// ErrDigestMismatch is returned when a sealed document was modified.
	ErrDigestMismatch = errors.New("trace digest mismatch")
)

// #region types
// Metrics holds the five scalar signals of a step. Absent signals encode as null.
type Metrics struct {
	Entropy          signals.Optional `json:"entropy"`
	Margin           signals.Optional `json:"margin"`
	LayerDelta       signals.Optional `json:"layer_delta"`
	ActivationEnergy signals.Optional `json:"activation_energy"`
	SVRatio          signals.Optional `json:"sv_ratio"`
}

// Entry is one step of a trace.
type Entry struct {
	Step          int                    `json:"step"`
	Token         string                 `json:"token"`
	Metrics       Metrics                `json:"metrics"`
	WindowLen     int                    `json:"window_len"`
	Failures      []signals.ProbeFailure `json:"failures,omitempty"`
	Action        string                 `json:"action,omitempty"`
	Justification string                 `json:"justification,omitempty"`
	DecisionError string                 `json:"decision_error,omitempty"`
}

// Document is a full exported run.
type Document struct {
	SchemaVersion string    `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	Source        string    `json:"source,omitempty"`
	Prompt        string    `json:"prompt,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Digest        string    `json:"digest,omitempty"`
	Steps         []Entry   `json:"steps"`
}

// #endregion types

// #region build
func metricsOf(r signals.MetricsRecord) Metrics {
	return Metrics{
		Entropy:          r.Entropy,
		Margin:           r.Margin,
		LayerDelta:       r.LayerDelta,
		ActivationEnergy: r.ActivationEnergy,
		SVRatio:          r.SVRatio,
	}
}

// EntryFromStep converts one committed engine step.
func EntryFromStep(s engine.Step) Entry {
	e := Entry{
		Step:          s.Index,
		Token:         s.Token,
		Metrics:       metricsOf(s.Metrics),
		WindowLen:     s.Metrics.WindowLen,
		Failures:      s.Metrics.Failures,
		DecisionError: s.DecisionErr,
	}
	if s.Decision != nil {
		e.Action = string(s.Decision.Action)
		e.Justification = s.Decision.Justification
	}
	return e
}

// FromSteps builds a document from an engine history.
func FromSteps(sessionID string, steps []engine.Step) Document {
	doc := newDocument(sessionID)
	for _, s := range steps {
		doc.Steps = append(doc.Steps, EntryFromStep(s))
	}
	return doc
}

// FromSession builds a document from a stored session and its rows.
func FromSession(sess store.Session, rows []store.StepRow) Document {
	doc := newDocument(sess.ID)
	doc.Source = sess.Source
	doc.Prompt = sess.Prompt
	if !sess.CreatedAt.IsZero() {
		doc.CreatedAt = sess.CreatedAt
	}
	for _, r := range rows {
		doc.Steps = append(doc.Steps, Entry{
			Step:          r.Step,
			Token:         r.Token,
			Metrics:       metricsOf(r.Metrics),
			WindowLen:     r.Metrics.WindowLen,
			Failures:      r.Metrics.Failures,
			Action:        r.Action,
			Justification: r.Justification,
			DecisionError: r.DecisionErr,
		})
	}
	return doc
}

func newDocument(sessionID string) Document {
	return Document{
		SchemaVersion: SchemaVersion,
		SessionID:     sessionID,
		CreatedAt:     time.Now().UTC(),
		Steps:         []Entry{},
	}
}

// #endregion build

// #region encode
// Marshal encodes the document as indented JSON.
func Marshal(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal trace: %w", err)
	}
	return data, nil
}

// Digest returns the sha256 hex digest of the canonical document with its
// digest field cleared.
func Digest(doc Document) (string, error) {
	doc.Digest = ""
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal trace: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize trace: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Seal sets the document digest.
func Seal(doc Document) (Document, error) {
	d, err := Digest(doc)
	if err != nil {
		return Document{}, err
	}
	doc.Digest = d
	return doc, nil
}

// #endregion encode

// #region validate
// Validate checks raw JSON against the embedded trace schema.
func Validate(data []byte) error {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidDocument, result.Errors)
}

// Write seals, validates and writes doc to path.
func Write(path string, doc Document) (Document, error) {
	sealed, err := Seal(doc)
	if err != nil {
		return Document{}, err
	}
	data, err := Marshal(sealed)
	if err != nil {
		return Document{}, err
	}
	if err := Validate(data); err != nil {
		return Document{}, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return Document{}, fmt.Errorf("write trace: %w", err)
	}
	return sealed, nil
}

// Load reads a document, validates it and verifies its digest when sealed.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read trace: %w", err)
	}
	if err := Validate(data); err != nil {
		return Document{}, fmt.Errorf("trace %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode trace: %w", err)
	}
	if doc.Digest != "" {
		want, err := Digest(doc)
		if err != nil {
			return Document{}, err
		}
		if want != doc.Digest {
			return Document{}, fmt.Errorf("%w: %s has %s, content hashes to %s", ErrDigestMismatch, path, doc.Digest, want)
		}
	}
	return doc, nil
}

// #endregion validate
