// Package report presents and exports run reports.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

// Sink receives a finished report.
type Sink interface {
	Write(ctx context.Context, rep *engine.RunReport) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rep *engine.RunReport) error

func (f SinkFunc) Write(ctx context.Context, rep *engine.RunReport) error { return f(ctx, rep) }

// Multi writes to every sink and joins their errors; one failing sink does
// not stop the others.
type Multi []Sink

func (m Multi) Write(ctx context.Context, rep *engine.RunReport) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Briefer is implemented by payloads that can describe themselves in a
// table cell.
type Briefer interface {
	Brief() string
}

const maxDetail = 120

// Row is the flat, one-per-target view of a result. Payload holds the
// complete JSON-encoded payload for the file exporters; Detail is the short
// form shown in the terminal table.
type Row struct {
	Target    string
	Status    string
	Attempts  string
	ErrorKind string
	Error     string
	Payload   string
	Detail    string
	Duration  string
}

var header = []string{"target", "status", "attempts", "error_kind", "error", "payload", "duration"}

func (r Row) fields() []string {
	return []string{r.Target, r.Status, r.Attempts, r.ErrorKind, r.Error, r.Payload, r.Duration}
}

// Rows flattens rep in input order.
func Rows(rep *engine.RunReport) []Row {
	rows := make([]Row, len(rep.Results))
	for i, res := range rep.Results {
		rows[i] = Row{
			Target:    res.Target,
			Status:    string(res.Status),
			Attempts:  strconv.Itoa(res.Attempts),
			ErrorKind: string(res.ErrorKind),
			Error:     res.Error,
			Payload:   Payload(res.Payload),
			Detail:    Detail(res.Payload),
			Duration:  res.Duration.Round(time.Millisecond).String(),
		}
	}
	return rows
}

// Payload encodes a payload as compact JSON, untruncated.
func Payload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(data)
}

// Detail renders a payload for a single terminal cell.
func Detail(payload any) string {
	if payload == nil {
		return ""
	}
	var s string
	if b, ok := payload.(Briefer); ok {
		s = b.Brief()
	} else {
		s = Payload(payload)
	}
	return truncate(strings.Join(strings.Fields(s), " "), maxDetail)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// NewFileSink picks the exporter from the file extension: .json, .csv or
// .md.
func NewFileSink(path string) (Sink, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSONFile{Path: path}, nil
	case ".csv":
		return CSVFile{Path: path}, nil
	case ".md", ".markdown":
		return MarkdownFile{Path: path}, nil
	}
	return nil, engine.Errorf(engine.KindValidation, "export", "unsupported export format %q (use .json, .csv or .md)", path)
}
