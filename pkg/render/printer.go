// Package render writes monitored records and session summaries for operators.
package render

import (
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-iotmonitor/pkg/monitor"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatText Format = "text"
)

// ParseFormat accepts json, yaml or text, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatYAML, FormatText:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want json, yaml or text)", s)
	}
}

type styles struct {
	header  lipgloss.Style
	key     lipgloss.Style
	ok      lipgloss.Style
	corrupt lipgloss.Style
	dim     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		key:     r.NewStyle().Foreground(lipgloss.Color("244")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
		corrupt: r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		dim:     r.NewStyle().Faint(true),
	}
}

// Printer writes one document per record. It is safe for concurrent use.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	styles styles
	// ShowValidation adds the validation outcome to each record.
	ShowValidation bool
}

// NewPrinter creates a Printer. Colors are used only when w is a terminal.
func NewPrinter(w io.Writer, format Format) *Printer {
	return &Printer{w: w, format: format, styles: newStyles(lipgloss.NewRenderer(w))}
}

type eventDoc struct {
	Origin          string         `json:"origin" yaml:"origin"`
	Partition       string         `json:"partition" yaml:"partition"`
	SequenceNumber  int64          `json:"sequenceNumber" yaml:"sequenceNumber"`
	EnqueuedTime    string         `json:"enqueuedTime,omitempty" yaml:"enqueuedTime,omitempty"`
	Properties      map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Payload         any            `json:"payload" yaml:"payload"`
	PayloadEncoding string         `json:"payloadEncoding,omitempty" yaml:"payloadEncoding,omitempty"`
	Note            string         `json:"note,omitempty" yaml:"note,omitempty"`
}

type validationDoc struct {
	Corrupt bool     `json:"corrupt" yaml:"corrupt"`
	Reasons []string `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

type recordDoc struct {
	Event      eventDoc       `json:"event" yaml:"event"`
	Validation *validationDoc `json:"validation,omitempty" yaml:"validation,omitempty"`
}

func (p *Printer) document(res types.ValidationResult) recordDoc {
	rec := res.Record
	doc := recordDoc{Event: eventDoc{
		Origin:         rec.DeviceID,
		Partition:      rec.OriginPartition,
		SequenceNumber: rec.SequenceNumber,
		Properties:     normalizeMap(rec.Properties),
		Note:           rec.Note,
	}}
	if !rec.EnqueuedTime.IsZero() {
		doc.Event.EnqueuedTime = rec.EnqueuedTime.UTC().Format(time.RFC3339Nano)
	}
	switch v := rec.Payload.Value.(type) {
	case []byte:
		if utf8.Valid(v) {
			doc.Event.Payload = string(v)
		} else {
			doc.Event.Payload = base64.StdEncoding.EncodeToString(v)
			doc.Event.PayloadEncoding = "base64"
		}
	default:
		doc.Event.Payload = normalize(v)
	}
	if p.ShowValidation {
		doc.Validation = &validationDoc{Corrupt: res.Corrupt, Reasons: res.Reasons}
	}
	return doc
}

// Print writes one record. It has the signature of a monitor.Sink.
func (p *Printer) Print(res types.ValidationResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc := p.document(res)
	if p.format == FormatText {
		return p.printText(doc)
	}
	return p.encode(doc)
}

// PrintValue writes an arbitrary document, such as a device or twin.
func (p *Printer) PrintValue(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encode(normalize(v))
}

func (p *Printer) encode(v any) error {
	switch p.format {
	case FormatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		_, err = fmt.Fprintf(p.w, "%s\n", data)
		return err
	default:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return err
		}
		if p.format == FormatYAML {
			_, err := io.WriteString(p.w, "---\n")
			return err
		}
		return nil
	}
}

func (p *Printer) printText(doc recordDoc) error {
	s := p.styles
	var b strings.Builder
	e := doc.Event
	b.WriteString(s.header.Render(fmt.Sprintf("%s  partition %s  seq %d", e.Origin, e.Partition, e.SequenceNumber)))
	if e.EnqueuedTime != "" {
		b.WriteString("  " + s.dim.Render(e.EnqueuedTime))
	}
	b.WriteString("\n")
	if doc.Validation != nil {
		if doc.Validation.Corrupt {
			b.WriteString(s.corrupt.Render("CORRUPT") + "\n")
			for _, r := range doc.Validation.Reasons {
				b.WriteString("  - " + r + "\n")
			}
		} else {
			b.WriteString(s.ok.Render("valid") + "\n")
		}
	}
	for _, k := range sortedKeys(e.Properties) {
		fmt.Fprintf(&b, "%s %v\n", s.key.Render(k+":"), e.Properties[k])
	}
	payload := e.Payload
	if str, ok := payload.(string); !ok {
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = string(data)
	} else {
		payload = str
	}
	fmt.Fprintf(&b, "%s %v\n", s.key.Render("payload:"), payload)
	if e.Note != "" {
		b.WriteString(s.dim.Render("note: "+e.Note) + "\n")
	}
	b.WriteString("\n")
	_, err := io.WriteString(p.w, b.String())
	return err
}

type summaryDoc struct {
	SessionID           string   `json:"sessionId" yaml:"sessionId"`
	State               string   `json:"state" yaml:"state"`
	Reason              string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	Seed                int64    `json:"seed,omitempty" yaml:"seed,omitempty"`
	Partitions          int      `json:"partitions" yaml:"partitions"`
	MessagesReceived    int64    `json:"messagesReceived" yaml:"messagesReceived"`
	MessagesFilteredOut int64    `json:"messagesFilteredOut" yaml:"messagesFilteredOut"`
	MessagesCorrupt     int64    `json:"messagesCorrupt" yaml:"messagesCorrupt"`
	MessagesUndecodable int64    `json:"messagesUndecodable" yaml:"messagesUndecodable"`
	Duration            string   `json:"duration" yaml:"duration"`
	Errors              []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Summary writes the final session statistics.
func (p *Printer) Summary(stats monitor.Stats) error {
	doc := summaryDoc{
		SessionID:           stats.SessionID,
		State:               stats.State.String(),
		Reason:              string(stats.Reason),
		Seed:                stats.Seed,
		Partitions:          stats.Partitions,
		MessagesReceived:    stats.MessagesReceived,
		MessagesFilteredOut: stats.MessagesFilteredOut,
		MessagesCorrupt:     stats.MessagesCorrupt,
		MessagesUndecodable: stats.MessagesUndecodable,
		Duration:            stats.Duration.Round(time.Millisecond).String(),
	}
	for _, e := range stats.Errors {
		doc.Errors = append(doc.Errors, e.Error())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.format != FormatText {
		return p.encode(map[string]any{"summary": doc})
	}

	s := p.styles
	var b strings.Builder
	b.WriteString(s.header.Render("Session summary") + "\n")
	row := func(k string, v any) { fmt.Fprintf(&b, "%s %v\n", s.key.Render(fmt.Sprintf("%-14s", k+":")), v) }
	row("session", doc.SessionID)
	row("state", doc.State)
	if doc.Reason != "" {
		row("reason", doc.Reason)
	}
	row("duration", doc.Duration)
	row("partitions", doc.Partitions)
	row("received", doc.MessagesReceived)
	row("filtered out", doc.MessagesFilteredOut)
	if doc.MessagesCorrupt > 0 {
		row("corrupt", s.corrupt.Render(fmt.Sprint(doc.MessagesCorrupt)))
	} else {
		row("corrupt", 0)
	}
	row("undecodable", doc.MessagesUndecodable)
	if len(doc.Errors) > 0 {
		b.WriteString(s.corrupt.Render(fmt.Sprintf("%d errors", len(doc.Errors))) + "\n")
		for _, e := range doc.Errors {
			b.WriteString("  - " + e + "\n")
		}
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// numberLiteral is an integer too large for any Go integer type, written out unchanged.
type numberLiteral json.Number

func (n numberLiteral) MarshalJSON() ([]byte, error) {
	return []byte(n), nil
}

func (n numberLiteral) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: string(n)}, nil
}

// normalize converts decoded json numbers so that YAML renders them as numbers.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if !strings.ContainsAny(t.String(), ".eE") {
			if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
				return u
			}
			return numberLiteral(t)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}
