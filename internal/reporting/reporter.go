// -- internal/reporting/reporter.go --
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Reporter defines the interface for writing run reports to an output.
type Reporter interface {
	// Write processes a single report.
	Write(report *schemas.Report) error
	// Close finalizes the output and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a new reporter based on the specified format and output path.
// maxCandidates bounds the candidates printed per report; zero prints all.
func New(format, outputPath string, maxCandidates int) (Reporter, error) {
	switch format {
	case FormatJSON, FormatConsole, "":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	if format == FormatJSON {
		// NewJSONReporter takes ownership of the writer.
		return NewJSONReporter(writer, maxCandidates), nil
	}
	return NewConsoleReporter(writer, maxCandidates), nil
}

func truncate(cands []schemas.RankedCandidate, max int) []schemas.RankedCandidate {
	if max > 0 && len(cands) > max {
		return cands[:max]
	}
	return cands
}
