// Package export renders scan results to files: CSV and tab-delimited
// tables with localized state names, XML session documents that reload
// losslessly, and PDF reports.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/meltsec/meltscan/internal/engine"
	"github.com/meltsec/meltscan/internal/errors"
	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/probe"
)

// Column headers shared by the CSV and tab-delimited formats.
var header = []string{"Alvo", "Protocolo", "Porta", "Estado", "Info"}

// displayOrder fixes the state order used by summaries.
var displayOrder = []probe.State{
	probe.StateOpen,
	probe.StateClosed,
	probe.StateFiltered,
	probe.StateOpenOrFiltered,
	probe.StateUnknown,
}

// Session is the exportable snapshot of one scan run.
type Session struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Results   []engine.Result
}

// Snapshot captures a session for export. Call it after the run has
// finished so the duration is final.
func Snapshot(s *engine.Session) Session {
	return Session{
		ID:        s.ID,
		StartedAt: s.StartedAt,
		Duration:  s.Duration(),
		Results:   s.Results(),
	}
}

// DisplayState maps an internal state to its localized display string.
// Unrecognized values pass through unchanged.
func DisplayState(state probe.State) string {
	switch state {
	case probe.StateOpen:
		return "Aberta"
	case probe.StateClosed:
		return "Fechada"
	case probe.StateFiltered:
		return "Filtrada"
	case probe.StateOpenOrFiltered:
		return "Aberta/Filtrada"
	case probe.StateUnknown:
		return "Desconhecida"
	default:
		return string(state)
	}
}

// CountByState tallies results per internal state.
func CountByState(results []engine.Result) map[probe.State]int {
	counts := make(map[probe.State]int, len(displayOrder))
	for _, r := range results {
		counts[r.State]++
	}
	return counts
}

func row(r engine.Result) []string {
	return []string{
		r.Target,
		string(r.Protocol),
		strconv.Itoa(r.Port),
		DisplayState(r.State),
		r.Diagnostic,
	}
}

// WriteCSV writes the results as CSV with the localized header row.
func WriteCSV(w io.Writer, results []engine.Result) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		if err := writer.Write(row(r)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTab writes the results as tab-delimited text with a header line.
func WriteTab(w io.Writer, results []engine.Result) error {
	if _, err := fmt.Fprintln(w, strings.Join(header, "\t")); err != nil {
		return err
	}
	for _, r := range results {
		if _, err := fmt.Fprintln(w, strings.Join(row(r), "\t")); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes a session to path, picking the format from the file
// extension: .csv, .xml and .pdf get their dedicated formats, anything
// else is tab-delimited text. Failures never touch the in-memory
// results; callers may retry with another path.
func WriteFile(path string, session Session) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		err = writeThrough(path, session.Results, WriteCSV)
	case ".xml":
		err = saveSessionXML(path, session)
	case ".pdf":
		err = writePDF(path, session)
	default:
		err = writeThrough(path, session.Results, WriteTab)
	}
	if err != nil {
		logging.ErrorExport("Export failed", path, err)
		return errors.NewExportError(path, err)
	}

	logging.InfoExport("Results exported", path, "results", len(session.Results))
	return nil
}

func writeThrough(path string, results []engine.Result, fn func(io.Writer, []engine.Result) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return fn(file, results)
}
