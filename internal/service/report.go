package service

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Radar/internal/bom"
	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/pipeline"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/pterm/pterm"
)

// Row is a single line of a Report.
type Row struct {
	Scanner  string
	Target   string
	Value    string
	Resource string
	ID       string
	Created  bool
	Err      string
}

// Report collects pipeline events of all scans. It is safe for concurrent
// use.
type Report struct {
	mx      sync.Mutex
	builder *bom.Builder
	rows    []Row
	targets []model.ScanJob
}

func NewReport() *Report {
	return &Report{
		builder: bom.NewBuilder(),
	}
}

func (r *Report) Add(scanner string, ev pipeline.Event) {
	row := Row{
		Scanner: scanner,
		Target:  ev.Target,
		Created: ev.Created,
	}
	if !ev.Value.IsZero() {
		row.Value = ev.Value.String()
	}
	if ev.Resource != nil {
		row.Resource = string(ev.Resource.ResourceKind())
		row.ID = ev.Resource.ResourceID().String()
	}
	if ev.Err != nil {
		row.Err = ev.Err.Error()
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.rows = append(r.rows, row)
	if ev.Resource != nil {
		r.builder.AppendResources(ev.Resource)
	}
	if ev.Err != nil {
		r.builder.AppendProperties(cdx.Property{
			Name:  "radar:error:" + model.ErrorKind(ev.Err),
			Value: ev.Target + ": " + row.Err,
		})
	}
}

// AddTargets records the final state of scanned targets.
func (r *Report) AddTargets(targets []model.ScanJob) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.targets = append(r.targets, targets...)
	for _, t := range targets {
		r.builder.AppendProperties(cdx.Property{
			Name:  "radar:target:" + t.Definition.Name,
			Value: t.Target + "=" + t.State.String(),
		})
	}
}

// Rows returns the collected rows sorted by scanner and target.
func (r *Report) Rows() []Row {
	r.mx.Lock()
	rows := slices.Clone(r.rows)
	r.mx.Unlock()
	slices.SortStableFunc(rows, func(a, b Row) int {
		if c := strings.Compare(a.Scanner, b.Scanner); c != 0 {
			return c
		}
		return strings.Compare(a.Target, b.Target)
	})
	return rows
}

// Write renders the report as a CycloneDX BOM (json) or a table.
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case "", model.FormatJSON:
		r.mx.Lock()
		defer r.mx.Unlock()
		if err := r.builder.AsJSON(w); err != nil {
			return fmt.Errorf("formatting BOM as JSON: %w", err)
		}
		return nil
	case model.FormatTable:
		return r.table(w)
	default:
		return checkFormat(format)
	}
}

func checkFormat(format string) error {
	switch format {
	case "", model.FormatJSON, model.FormatTable:
		return nil
	}
	return model.NewConfigurationError("service.format", "unsupported format %q", format)
}

func (r *Report) table(w io.Writer) error {
	data := pterm.TableData{{"Scanner", "Target", "Value", "Resource", "Created", "Error"}}
	for _, row := range r.Rows() {
		data = append(data, []string{
			row.Scanner,
			row.Target,
			row.Value,
			row.Resource,
			strconv.FormatBool(row.Created),
			row.Err,
		})
	}
	s, err := pterm.DefaultTable.
		WithHasHeader(true).
		WithBoxed(false).
		WithData(data).
		Srender()
	if err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	if _, err := fmt.Fprintln(w, s); err != nil {
		return err
	}

	r.mx.Lock()
	targets := slices.Clone(r.targets)
	r.mx.Unlock()
	if len(targets) == 0 {
		return nil
	}
	data = pterm.TableData{{"Scanner", "Target", "State", "Attempts"}}
	for _, t := range targets {
		data = append(data, []string{
			t.Definition.Name,
			t.Target,
			t.State.String(),
			strconv.Itoa(t.Attempts),
		})
	}
	s, err = pterm.DefaultTable.
		WithHasHeader(true).
		WithBoxed(false).
		WithData(data).
		Srender()
	if err != nil {
		return fmt.Errorf("rendering table: %w", err)
	}
	_, err = fmt.Fprintln(w, s)
	return err
}
