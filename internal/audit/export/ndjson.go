package export

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"tracerun/internal/audit"
)

// NDJSONExporter writes audit events as newline-delimited JSON.
type NDJSONExporter struct {
	enc *json.Encoder
}

func NewNDJSONExporter(w io.Writer) *NDJSONExporter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONExporter{enc: enc}
}

func (e *NDJSONExporter) Export(event audit.Event) error {
	return e.enc.Encode(event)
}

// ExportAll drains events and returns how many were written.
func (e *NDJSONExporter) ExportAll(events iter.Seq2[audit.Event, error]) (int, error) {
	n := 0
	for event, err := range events {
		if err != nil {
			return n, fmt.Errorf("read audit events: %w", err)
		}
		if err := e.Export(event); err != nil {
			return n, fmt.Errorf("write audit event %d: %w", event.Seq, err)
		}
		n++
	}
	return n, nil
}
