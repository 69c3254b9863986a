package worksheetgen

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Step names a pipeline stage in progress records
type Step string

const (
	StepGenerating       Step = "generating"
	StepValidating       Step = "validating"
	StepVerifying        Step = "verifying"
	StepRegenerating     Step = "regenerating"
	StepReverifying      Step = "reverifying"
	StepRepairingVisuals Step = "repairing_visuals"
	StepRendering        Step = "rendering"
)

// stepPercent is the completion estimate reported when a stage starts
var stepPercent = map[Step]int{
	StepGenerating:       5,
	StepValidating:       30,
	StepVerifying:        40,
	StepRegenerating:     55,
	StepReverifying:      70,
	StepRepairingVisuals: 80,
	StepRendering:        90,
}

// ProgressEvent is emitted before each stage does its work
type ProgressEvent struct {
	Step    Step   `json:"step"`
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// ProgressSink receives progress events in stage order
type ProgressSink interface {
	Progress(ProgressEvent)
}

// ProgressFunc adapts a function to ProgressSink
type ProgressFunc func(ProgressEvent)

func (f ProgressFunc) Progress(ev ProgressEvent) {
	f(ev)
}

// Record types on the wire
const (
	RecordProgress = "progress"
	RecordComplete = "complete"
	RecordError    = "error"
)

type progressRecord struct {
	Type    string `json:"type"`
	Step    Step   `json:"step"`
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

type completeRecord struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type errorRecord struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ErrStreamClosed is returned when a second terminal record is attempted
var ErrStreamClosed = errors.New("stream already terminated")

type flusher interface {
	Flush()
}

// StreamWriter writes newline-delimited JSON records. Percent never goes
// backwards and at most one terminal record is written.
type StreamWriter struct {
	mu       sync.Mutex
	w        io.Writer
	enc      *json.Encoder
	last     int
	terminal bool
	err      error
}

// NewStreamWriter creates a stream over w. If w can flush (an
// http.ResponseWriter usually can), every record is flushed as it is written.
func NewStreamWriter(w io.Writer) *StreamWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &StreamWriter{w: w, enc: enc}
}

// Progress writes a progress record. It is ignored after a terminal record.
func (sw *StreamWriter) Progress(ev ProgressEvent) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.terminal {
		return
	}
	if ev.Percent < sw.last {
		ev.Percent = sw.last
	}
	if ev.Percent > 100 {
		ev.Percent = 100
	}
	sw.last = ev.Percent
	sw.write(progressRecord{Type: RecordProgress, Step: ev.Step, Message: ev.Message, Percent: ev.Percent})
}

// Complete writes the terminal success record
func (sw *StreamWriter) Complete(data interface{}) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.terminal {
		return ErrStreamClosed
	}
	sw.terminal = true
	sw.write(completeRecord{Type: RecordComplete, Data: data})
	return sw.err
}

// Fail writes the terminal error record
func (sw *StreamWriter) Fail(message string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.terminal {
		return ErrStreamClosed
	}
	sw.terminal = true
	sw.write(errorRecord{Type: RecordError, Error: message})
	return sw.err
}

// Terminated reports whether a terminal record has been written
func (sw *StreamWriter) Terminated() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.terminal
}

// Err returns the first write error, if any
func (sw *StreamWriter) Err() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.err
}

func (sw *StreamWriter) write(rec interface{}) {
	if sw.err != nil {
		return
	}
	if err := sw.enc.Encode(rec); err != nil {
		sw.err = err
		return
	}
	if f, ok := sw.w.(flusher); ok {
		f.Flush()
	}
}
