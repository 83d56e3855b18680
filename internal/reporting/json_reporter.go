// internal/reporting/json_reporter.go
package reporting

import (
	"errors"
	"fmt"
	"io"
	"sync"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// JSONReporter collects reports and encodes them on Close: a single report
// as one object, several as an array. It is thread safe.
type JSONReporter struct {
	writer        io.WriteCloser
	maxCandidates int

	mu      sync.Mutex
	reports []*schemas.Report
	closed  bool
}

// NewJSONReporter takes ownership of writer.
func NewJSONReporter(writer io.WriteCloser, maxCandidates int) *JSONReporter {
	return &JSONReporter{writer: writer, maxCandidates: maxCandidates}
}

func (r *JSONReporter) Write(report *schemas.Report) error {
	if report == nil {
		return errors.New("report cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("reporter is closed")
	}

	c := *report
	c.Candidates = truncate(report.Candidates, r.maxCandidates)
	r.reports = append(r.reports, &c)
	return nil
}

func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var payload interface{} = r.reports
	if r.reports == nil {
		payload = []*schemas.Report{}
	} else if len(r.reports) == 1 {
		payload = r.reports[0]
	}
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	encErr := enc.Encode(payload)
	closeErr := r.writer.Close()
	if encErr != nil {
		return fmt.Errorf("failed to encode report: %w", encErr)
	}
	return closeErr
}
