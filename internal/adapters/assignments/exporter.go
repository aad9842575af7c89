// Package assignments renders a designated distribution into shareable
// artifacts (CSV and JSON) and files them in write-once blob storage.
package assignments

import (
	"bytes"
	"censuscore/internal/blob"
	"censuscore/internal/core"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Format names an artifact encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

var contentTypes = map[Format]string{
	FormatCSV:  "text/csv",
	FormatJSON: "application/json",
}

// Source is the read side of the census service used by the exporter.
type Source interface {
	GetDistribution(ctx context.Context, id string) (core.Distribution, error)
	OrderedLineItems(ctx context.Context, distributionID string) ([]core.LineItem, error)
	Patients(ctx context.Context, distributionID string) ([]core.Patient, error)
}

// Artifact describes one stored export.
type Artifact struct {
	Format      Format    `json:"format"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ETag        string    `json:"etag,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProviderReport is one row of the rendered handoff sheet.
type ProviderReport struct {
	Position       int                 `json:"position"`
	Abbreviation   string              `json:"abbreviation"`
	StartingCensus core.CensusSnapshot `json:"starting_census"`
	AssignedCensus core.CensusSnapshot `json:"assigned_census"`
	Patients       []int               `json:"patients"`
	CCUPatients    []int               `json:"ccu_patients"`
	COVIDPatients  []int               `json:"covid_patients"`
}

// Report is the rendered form of a designated distribution.
type Report struct {
	DistributionID string           `json:"distribution_id"`
	Sequence       int64            `json:"sequence"`
	DesignatedAt   time.Time        `json:"designated_at"`
	GeneratedAt    time.Time        `json:"generated_at"`
	Providers      []ProviderReport `json:"providers"`
}

// Exporter writes distribution artifacts into a blob.Store.
type Exporter struct {
	source Source
	store  blob.Store
	logger *zap.Logger
	now    func() time.Time
}

// Option customises an Exporter.
type Option func(*Exporter)

// WithLogger sets the exporter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock stamped on reports.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExporter constructs an exporter over source and store.
func NewExporter(source Source, store blob.Store, opts ...Option) *Exporter {
	e := &Exporter{
		source: source,
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// KeyPrefix returns the blob prefix under which a distribution's artifacts live.
func KeyPrefix(distributionID string) string {
	return "distributions/" + distributionID + "/"
}

const designationLayout = "20060102T150405.000000000Z"

// DesignationPrefix returns the prefix for the artifacts of one designation.
// A reset followed by a new designation gets a fresh prefix.
func DesignationPrefix(distributionID string, designatedAt time.Time) string {
	return KeyPrefix(distributionID) + designatedAt.UTC().Format(designationLayout) + "/"
}

// Render builds the report for a designated distribution.
func (e *Exporter) Render(ctx context.Context, distributionID string) (Report, error) {
	dist, err := e.source.GetDistribution(ctx, distributionID)
	if err != nil {
		return Report{}, err
	}
	if dist.Status != core.StatusDesignated || dist.DesignatedAt == nil {
		return Report{}, &core.PreconditionError{DistributionID: dist.ID, Status: dist.Status, Reason: "only designated distributions can be exported"}
	}
	items, err := e.source.OrderedLineItems(ctx, distributionID)
	if err != nil {
		return Report{}, err
	}
	patients, err := e.source.Patients(ctx, distributionID)
	if err != nil {
		return Report{}, err
	}

	rows := make([]ProviderReport, len(items))
	index := make(map[string]int, len(items))
	for i, item := range items {
		index[item.ID] = i
		rows[i] = ProviderReport{
			Position:       item.Position,
			Abbreviation:   item.Abbreviation,
			StartingCensus: item.StartingCensus,
			AssignedCensus: item.AssignedCensus,
			Patients:       []int{},
			CCUPatients:    []int{},
			COVIDPatients:  []int{},
		}
	}
	for _, patient := range patients {
		a := patient.Assignment
		if a == nil {
			continue
		}
		if i, ok := index[a.TotalLineItemID]; ok {
			rows[i].Patients = append(rows[i].Patients, patient.NumberDesignation)
		}
		if a.CCULineItemID != nil {
			if i, ok := index[*a.CCULineItemID]; ok {
				rows[i].CCUPatients = append(rows[i].CCUPatients, patient.NumberDesignation)
			}
		}
		if a.COVIDLineItemID != nil {
			if i, ok := index[*a.COVIDLineItemID]; ok {
				rows[i].COVIDPatients = append(rows[i].COVIDPatients, patient.NumberDesignation)
			}
		}
	}
	return Report{
		DistributionID: dist.ID,
		Sequence:       dist.Sequence,
		DesignatedAt:   *dist.DesignatedAt,
		GeneratedAt:    e.now(),
		Providers:      rows,
	}, nil
}

// Export renders the distribution and stores one artifact per format
// (CSV then JSON when formats is empty) under its designation prefix.
// Artifacts are write-once. Formats already stored for the designation are
// reported as-is, so a partly failed export can be retried; when every
// requested format is already stored Export fails with blob.ErrExists.
func (e *Exporter) Export(ctx context.Context, distributionID string, formats ...Format) ([]Artifact, error) {
	if e.store == nil {
		return nil, fmt.Errorf("export store not configured")
	}
	if len(formats) == 0 {
		formats = []Format{FormatCSV, FormatJSON}
	}
	report, err := e.Render(ctx, distributionID)
	if err != nil {
		return nil, err
	}
	prefix := DesignationPrefix(report.DistributionID, report.DesignatedAt)

	unique := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{}, len(formats))
	for _, format := range formats {
		if _, dup := seen[format]; dup {
			continue
		}
		seen[format] = struct{}{}
		if _, ok := contentTypes[format]; !ok {
			return nil, fmt.Errorf("unsupported export format %s", format)
		}
		unique = append(unique, format)
	}

	artifacts := make([]Artifact, len(unique))
	var missing []int
	for i, format := range unique {
		key := prefix + "assignments." + string(format)
		info, err := e.store.Head(ctx, key)
		switch {
		case err == nil:
			artifacts[i] = artifactFromInfo(format, info)
		case errors.Is(err, blob.ErrNotFound):
			missing = append(missing, i)
		default:
			return nil, fmt.Errorf("check %s artifact: %w", format, err)
		}
	}
	if len(missing) == 0 {
		e.logger.Warn("artifact already exported", zap.String("distribution_id", distributionID), zap.String("prefix", prefix))
		return artifacts, fmt.Errorf("distribution %s designation %s: %w", distributionID, report.DesignatedAt.Format(time.RFC3339), blob.ErrExists)
	}

	for _, i := range missing {
		format := unique[i]
		payload, err := materialize(format, report)
		if err != nil {
			return nil, err
		}
		key := prefix + "assignments." + string(format)
		info, err := e.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: contentTypes[format],
			Metadata: map[string]string{
				"distribution": report.DistributionID,
				"sequence":     strconv.FormatInt(report.Sequence, 10),
			},
		})
		if err != nil {
			if errors.Is(err, blob.ErrExists) {
				e.logger.Warn("artifact already exported", zap.String("distribution_id", distributionID), zap.String("key", key))
			}
			return nil, fmt.Errorf("store %s artifact: %w", format, err)
		}
		artifacts[i] = Artifact{
			Format:      format,
			Key:         info.Key,
			ContentType: contentTypes[format],
			SizeBytes:   int64(len(payload)),
			ETag:        info.ETag,
			URL:         info.URL,
			CreatedAt:   report.GeneratedAt,
		}
	}
	e.logger.Info("distribution exported",
		zap.String("distribution_id", distributionID),
		zap.String("prefix", prefix),
		zap.Int("written", len(missing)),
		zap.Int("artifacts", len(artifacts)))
	return artifacts, nil
}

// List returns the artifacts stored for every designation of a distribution,
// oldest designation first.
func (e *Exporter) List(ctx context.Context, distributionID string) ([]Artifact, error) {
	if e.store == nil {
		return nil, fmt.Errorf("export store not configured")
	}
	infos, err := e.store.List(ctx, KeyPrefix(distributionID))
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(infos))
	for _, info := range infos {
		out = append(out, artifactFromInfo(Format(strings.TrimPrefix(path.Ext(info.Key), ".")), info))
	}
	return out, nil
}

func artifactFromInfo(format Format, info blob.Info) Artifact {
	return Artifact{
		Format:      format,
		Key:         info.Key,
		ContentType: contentTypes[format],
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		URL:         info.URL,
		CreatedAt:   info.LastModified,
	}
}

func materialize(format Format, report Report) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(report, "", "  ")
	case FormatCSV:
		return renderCSV(report)
	default:
		return nil, fmt.Errorf("unsupported export format %s", format)
	}
}

var csvHeader = []string{
	"position", "provider",
	"starting_total", "starting_ccu", "starting_covid",
	"assigned_total", "assigned_ccu", "assigned_covid",
	"patients", "ccu_patients", "covid_patients",
}

func renderCSV(report Report) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range report.Providers {
		record := []string{
			strconv.Itoa(row.Position + 1),
			row.Abbreviation,
			strconv.Itoa(row.StartingCensus.Total),
			strconv.Itoa(row.StartingCensus.CCU),
			strconv.Itoa(row.StartingCensus.COVID),
			strconv.Itoa(row.AssignedCensus.Total),
			strconv.Itoa(row.AssignedCensus.CCU),
			strconv.Itoa(row.AssignedCensus.COVID),
			joinNumbers(row.Patients),
			joinNumbers(row.CCUPatients),
			joinNumbers(row.COVIDPatients),
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func joinNumbers(numbers []int) string {
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, " ")
}
