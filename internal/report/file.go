package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nevergoodstudy-hub/netops/internal/persistence"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

// JSONFile writes the whole report as indented JSON.
type JSONFile struct{ Path string }

func (s JSONFile) Write(_ context.Context, rep *engine.RunReport) error {
	return persistence.WriteJSON(rep, s.Path)
}

// CSVFile writes one record per target under a header row.
type CSVFile struct{ Path string }

func (s CSVFile) Write(_ context.Context, rep *engine.RunReport) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range Rows(rep) {
		if err := w.Write(r.fields()); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	return writeFile(s.Path, buf.Bytes())
}

// MarkdownFile writes a summary and a results table.
type MarkdownFile struct{ Path string }

func (s MarkdownFile) Write(_ context.Context, rep *engine.RunReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rep.Operation)
	fmt.Fprintf(&b, "- run: `%s`\n", rep.ID)
	fmt.Fprintf(&b, "- started: %s\n", rep.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- duration: %s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "- status: **%s** (%d succeeded, %d failed, %d cancelled of %d)\n\n",
		rep.OverallStatus, rep.Summary.Succeeded, rep.Summary.Failed, rep.Summary.Cancelled, rep.Summary.Total)

	b.WriteString("| " + strings.Join(header, " | ") + " |\n")
	b.WriteString(strings.Repeat("|---", len(header)) + "|\n")
	for _, r := range Rows(rep) {
		cells := r.fields()
		for i, c := range cells {
			cells[i] = strings.ReplaceAll(c, "|", `\|`)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return writeFile(s.Path, []byte(b.String()))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return persistence.WriteAtomic(path, data, 0o644)
}

// Text prints a terminal table followed by a summary line.
func Text(w io.Writer, rep *engine.RunReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTATUS\tATTEMPTS\tERROR\tDETAIL")
	for _, r := range Rows(rep) {
		errText := r.ErrorKind
		if r.Error != "" {
			errText = r.ErrorKind + ": " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Target, r.Status, r.Attempts, truncate(errText, 80), r.Detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%s: %s in %s (%d ok, %d failed, %d cancelled)\n",
		rep.Operation, rep.OverallStatus, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond),
		rep.Summary.Succeeded, rep.Summary.Failed, rep.Summary.Cancelled)
	return err
}

// Writer adapts Text to a Sink.
func Writer(w io.Writer) Sink {
	return SinkFunc(func(_ context.Context, rep *engine.RunReport) error { return Text(w, rep) })
}
