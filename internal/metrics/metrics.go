// Package metrics is the process-wide metrics seam. Core code records through
// the package functions; a concrete backend (Datadog, or nothing) is chosen
// once at startup with SetBackend.
package metrics

import (
	"sync"
	"time"
)

// Metric names recorded by the unnest pipeline.
const (
	RecordsTotal        = "unnest_records_total"         // labels: kind=read|flattened|failed
	RowsTotal           = "unnest_rows_total"            // labels: table_kind=primary|sub
	StepTotal           = "unnest_step_total"            // labels: step, status
	StepDurationSeconds = "unnest_step_duration_seconds" // labels: step, status
	ExportWarningsTotal = "unnest_export_warnings_total" // labels: format
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered metrics of the installed backend.
func Flush() error { return current().Flush() }

// RecordStep counts one execution of step and observes its duration. status
// is "ok" when err is nil and "error" otherwise.
func RecordStep(step string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, time.Since(started).Seconds(), l)
}
