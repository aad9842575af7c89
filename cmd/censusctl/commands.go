package main

import (
	"censuscore/internal/adapters/assignments"
	"censuscore/internal/blob"
	"censuscore/internal/core"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// rosterFile is the on-disk roster layout.
type rosterFile struct {
	Providers []core.ProviderRow `yaml:"providers"`
}

func loadRoster(path string) ([]core.ProviderRow, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied roster path
	if err != nil {
		return nil, err
	}
	var roster rosterFile
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	return roster.Providers, nil
}

type rosterCmd struct {
	app          *app
	File         string `long:"file" short:"f" description:"YAML roster file"`
	CarryForward bool   `long:"carry-forward" description:"Reuse the current distribution's roster and starting census"`
}

func (cmd *rosterCmd) Execute([]string) error {
	ctx := context.Background()
	var rows []core.ProviderRow
	var err error
	switch {
	case cmd.File != "" && cmd.CarryForward:
		return fmt.Errorf("--file and --carry-forward are mutually exclusive")
	case cmd.File != "":
		rows, err = loadRoster(cmd.File)
	case cmd.CarryForward:
		rows, err = cmd.app.svc.CurrentRoster(ctx)
	default:
		return fmt.Errorf("one of --file or --carry-forward is required")
	}
	if err != nil {
		return err
	}
	dist, items, err := cmd.app.svc.BuildDistribution(ctx, rows)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.app.stdout, "built distribution %s (#%d) with %d providers\n", dist.ID, dist.Sequence, len(items))
	return err
}

type currentCmd struct {
	app *app
}

func (cmd *currentCmd) Execute([]string) error {
	ctx := context.Background()
	dist, err := cmd.app.svc.CurrentDistribution(ctx)
	if err != nil {
		return err
	}
	items, err := cmd.app.svc.OrderedLineItems(ctx, dist.ID)
	if err != nil {
		return err
	}
	patients, err := cmd.app.svc.Patients(ctx, dist.ID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.app.stdout, "%s\t#%d\t%s\tproviders=%d\tpatients=%d\n", dist.ID, dist.Sequence, dist.Status, len(items), len(patients))
	return err
}

type countCmd struct {
	app  *app
	ID   string `long:"id" description:"Distribution ID (defaults to the current distribution)"`
	Args struct {
		Count int `positional-arg-name:"count" required:"yes"`
	} `positional-args:"yes"`
}

func (cmd *countCmd) Execute([]string) error {
	ctx := context.Background()
	dist, err := cmd.app.resolve(ctx, cmd.ID)
	if err != nil {
		return err
	}
	patients, err := cmd.app.svc.CreatePatients(ctx, dist.ID, cmd.Args.Count)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.app.stdout, "created %d patients for %s\n", len(patients), dist.ID)
	return err
}

type designateCmd struct {
	app   *app
	ID    string `long:"id" description:"Distribution ID (defaults to the current distribution)"`
	CCU   []int  `long:"ccu" description:"Patient number to flag as CCU (repeatable)"`
	COVID []int  `long:"covid" description:"Patient number to flag as COVID (repeatable)"`
}

func (cmd *designateCmd) Execute([]string) error {
	ctx := context.Background()
	dist, err := cmd.app.resolve(ctx, cmd.ID)
	if err != nil {
		return err
	}
	patients, err := cmd.app.svc.Patients(ctx, dist.ID)
	if err != nil {
		return err
	}
	flags := make([]core.PatientFlags, len(patients))
	for _, n := range cmd.CCU {
		if n < 1 || n > len(flags) {
			return core.NewValidationError("ccu", "patient %d out of range 1..%d", n, len(flags))
		}
		flags[n-1].CCU = true
	}
	for _, n := range cmd.COVID {
		if n < 1 || n > len(flags) {
			return core.NewValidationError("covid", "patient %d out of range 1..%d", n, len(flags))
		}
		flags[n-1].COVID = true
	}
	dist, items, _, err := cmd.app.svc.DesignateAndDistribute(ctx, dist.ID, flags)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.app.stdout, "distributed %d patients across %d providers in %s\n", len(flags), len(items), dist.ID)
	return err
}

type resetCmd struct {
	app *app
	ID  string `long:"id" description:"Distribution ID (defaults to the current distribution)"`
}

func (cmd *resetCmd) Execute([]string) error {
	ctx := context.Background()
	dist, err := cmd.app.resolve(ctx, cmd.ID)
	if err != nil {
		return err
	}
	dist, _, _, err = cmd.app.svc.ResetDesignation(ctx, dist.ID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.app.stdout, "reset %s to %s\n", dist.ID, dist.Status)
	return err
}

// distributionView is the structured output of show.
type distributionView struct {
	Distribution core.Distribution `json:"distribution" yaml:"distribution"`
	LineItems    []core.LineItem   `json:"line_items" yaml:"line_items"`
	Patients     []core.Patient    `json:"patients" yaml:"patients"`
}

type showCmd struct {
	app    *app
	ID     string `long:"id" description:"Distribution ID (defaults to the current distribution)"`
	Format string `long:"format" short:"o" choice:"table" choice:"json" choice:"yaml" default:"table" description:"Output format"`
}

func (cmd *showCmd) Execute([]string) error {
	ctx := context.Background()
	dist, err := cmd.app.resolve(ctx, cmd.ID)
	if err != nil {
		return err
	}
	view := distributionView{Distribution: dist}
	if view.LineItems, err = cmd.app.svc.OrderedLineItems(ctx, dist.ID); err != nil {
		return err
	}
	if view.Patients, err = cmd.app.svc.Patients(ctx, dist.ID); err != nil {
		return err
	}

	out := cmd.app.stdout
	switch cmd.Format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer func() { _ = enc.Close() }()
		return enc.Encode(view)
	}

	if _, err := fmt.Fprintf(out, "Distribution %s (#%d) %s\n", dist.ID, dist.Sequence, dist.Status); err != nil {
		return err
	}
	abbreviations := make(map[string]string, len(view.LineItems))
	providers := tablewriter.NewWriter(out)
	providers.Header("#", "Provider", "Start", "Total", "CCU", "COVID")
	for _, item := range view.LineItems {
		abbreviations[item.ID] = item.Abbreviation
		if err := providers.Append([]string{
			strconv.Itoa(item.Position + 1),
			item.Abbreviation,
			strconv.Itoa(item.StartingCensus.Total),
			strconv.Itoa(item.AssignedCensus.Total),
			strconv.Itoa(item.AssignedCensus.CCU),
			strconv.Itoa(item.AssignedCensus.COVID),
		}); err != nil {
			return fmt.Errorf("render provider row: %w", err)
		}
	}
	if err := providers.Render(); err != nil {
		return fmt.Errorf("render providers: %w", err)
	}

	if dist.Status != core.StatusDesignated {
		return nil
	}
	patients := tablewriter.NewWriter(out)
	patients.Header("Patient", "Flags", "Total", "CCU", "COVID")
	for _, p := range view.Patients {
		row := []string{strconv.Itoa(p.NumberDesignation), flagLabel(p), "", "", ""}
		if a := p.Assignment; a != nil {
			row[2] = abbreviations[a.TotalLineItemID]
			if a.CCULineItemID != nil {
				row[3] = abbreviations[*a.CCULineItemID]
			}
			if a.COVIDLineItemID != nil {
				row[4] = abbreviations[*a.COVIDLineItemID]
			}
		}
		if err := patients.Append(row); err != nil {
			return fmt.Errorf("render patient row: %w", err)
		}
	}
	if err := patients.Render(); err != nil {
		return fmt.Errorf("render patients: %w", err)
	}
	return nil
}

func flagLabel(p core.Patient) string {
	switch {
	case p.CCU && p.COVID:
		return "ccu+covid"
	case p.CCU:
		return "ccu"
	case p.COVID:
		return "covid"
	}
	return "-"
}

type exportCmd struct {
	app     *app
	ID      string   `long:"id" description:"Distribution ID (defaults to the current distribution)"`
	Formats []string `long:"format" choice:"csv" choice:"json" description:"Artifact format (repeatable, default csv and json)"`
}

func (cmd *exportCmd) Execute([]string) error {
	ctx := context.Background()
	dist, err := cmd.app.resolve(ctx, cmd.ID)
	if err != nil {
		return err
	}
	store, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	formats := make([]assignments.Format, 0, len(cmd.Formats))
	for _, f := range cmd.Formats {
		formats = append(formats, assignments.Format(f))
	}
	exporter := assignments.NewExporter(cmd.app.svc, store, assignments.WithLogger(cmd.app.logger))
	artifacts, err := exporter.Export(ctx, dist.ID, formats...)
	if err != nil {
		return err
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Key < artifacts[j].Key })
	for _, artifact := range artifacts {
		if _, err := fmt.Fprintf(cmd.app.stdout, "%s\t%s\t%s\n", artifact.Key, artifact.ContentType, humanize.Bytes(uint64(artifact.SizeBytes))); err != nil {
			return err
		}
	}
	return nil
}
