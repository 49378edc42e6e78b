package trace

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// ConsoleExporter logs ended spans through zerolog.
type ConsoleExporter struct{}

func (ConsoleExporter) Export(span *Span) error {
	log.Debug().
		Str("trace_id", span.TraceID).
		Str("span_id", span.SpanID).
		Str("name", span.Name).
		Str("status", string(span.SpanStatus)).
		Dur("duration", span.Duration()).
		Msg("span")
	return nil
}

func (ConsoleExporter) Shutdown() error { return nil }

// FileExporter appends one JSON object per span to a file.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileExporter opens (or creates) the span log file in append mode.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileExporter{file: f}, nil
}

func (e *FileExporter) Export(span *Span) error {
	data, err := json.Marshal(span)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.file.Write(append(data, '\n'))
	return err
}

func (e *FileExporter) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Close()
}
