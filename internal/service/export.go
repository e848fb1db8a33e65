package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/xuri/excelize/v2"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/reference"
)

// PlotsGeoJSON renders the project's active plots as a FeatureCollection.
func (s *ParcelService) PlotsGeoJSON(ctx context.Context, projectID uuid.UUID) (*geojson.FeatureCollection, error) {
	plots, err := s.ListPlots(ctx, projectID, false)
	if err != nil {
		return nil, err
	}
	return PlotFeatures(plots), nil
}

func PlotFeatures(plots []parcel.Plot) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, p := range plots {
		f := geojson.NewFeature(p.Geometry)
		f.ID = p.ID.String()
		f.Properties["label"] = p.Label
		f.Properties["category"] = string(p.Category)
		f.Properties["area_sqm"] = p.AreaSQM
		f.Properties["area_sqft"] = p.AreaSQFT
		f.Properties["perimeter_m"] = p.PerimeterM
		f.Properties["color"] = p.Color
		f.Properties["source"] = string(p.Source)
		if p.Confidence != nil {
			f.Properties["confidence"] = *p.Confidence
		}
		fc.Append(f)
	}
	return fc
}

// ReferenceFeatures renders a reference lookup: the area boundary, when
// known, followed by its plots.
func ReferenceFeatures(res reference.Result) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if res.Boundary != nil {
		f := geojson.NewFeature(res.Boundary)
		f.Properties["kind"] = "boundary"
		f.Properties["name"] = res.Name
		fc.Append(f)
	}
	for _, rp := range res.Plots {
		if rp.Geometry == nil {
			continue
		}
		f := geojson.NewFeature(rp.Geometry)
		f.ID = rp.ID
		f.Properties["kind"] = "plot"
		f.Properties["name"] = rp.Name
		if rp.Allottee != "" {
			f.Properties["allottee"] = rp.Allottee
		}
		if rp.Status != "" {
			f.Properties["status"] = rp.Status
		}
		if rp.AllotmentDate != nil {
			f.Properties["allotment_date"] = rp.AllotmentDate.Format("2006-01-02")
		}
		f.Properties["data_source"] = rp.DataSource
		fc.Append(f)
	}
	return fc
}

// DeviationsGeoJSON renders the current deviation set. Compliant pairs
// carry no geometry and are left out; the xlsx report lists them.
func (s *ParcelService) DeviationsGeoJSON(ctx context.Context, projectID uuid.UUID) (*geojson.FeatureCollection, error) {
	res, err := s.Deviations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return DeviationFeatures(res.Deviations), nil
}

func DeviationFeatures(devs []parcel.Deviation) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, d := range devs {
		if d.Geometry == nil {
			continue
		}
		f := geojson.NewFeature(d.Geometry)
		f.ID = d.ID.String()
		f.Properties["deviation_type"] = string(d.Type)
		f.Properties["severity"] = string(d.Severity)
		f.Properties["deviation_area_sqm"] = d.AreaSQM
		f.Properties["description"] = d.Description
		if d.PlotID != nil {
			f.Properties["plot_id"] = d.PlotID.String()
		}
		if d.ReferencePlotID != nil {
			f.Properties["reference_plot_id"] = *d.ReferencePlotID
		}
		if d.Details.PlotLabel != "" {
			f.Properties["plot_label"] = d.Details.PlotLabel
		}
		if d.Details.ReferenceName != "" {
			f.Properties["reference_name"] = d.Details.ReferenceName
		}
		fc.Append(f)
	}
	return fc
}

var reportHeader = []any{
	"Type", "Severity", "Plot", "Reference plot", "Detected area (m²)", "Reference area (m²)",
	"Deviation area (m²)", "IoU", "Match %", "Hausdorff (m)", "Description",
}

// DeviationReport writes the current deviation set and its summary as an
// xlsx workbook.
func (s *ParcelService) DeviationReport(ctx context.Context, projectID uuid.UUID) ([]byte, error) {
	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	res, err := s.Deviations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return buildReport(project, res)
}

func buildReport(project *parcel.Project, res *parcel.CompareResult) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Deviations"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(sheet, "A1", &reportHeader); err != nil {
		return nil, err
	}
	for i, d := range res.Deviations {
		plot := d.Details.PlotLabel
		if plot == "" && d.PlotID != nil {
			plot = d.PlotID.String()
		}
		refName := d.Details.ReferenceName
		if refName == "" && d.ReferencePlotID != nil {
			refName = *d.ReferencePlotID
		}
		row := []any{
			string(d.Type), string(d.Severity), plot, refName,
			d.Details.DetectedAreaSQM, d.Details.ReferenceAreaSQM, d.AreaSQM,
			d.Details.IoU, d.Details.MatchPercent, d.Details.HausdorffM, d.Description,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, err
		}
	}

	const summary = "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		return nil, err
	}
	sm := res.Summary
	rows := [][]any{
		{"Project", project.Name},
		{"Area", project.AreaName},
		{"Run", res.RunID.String()},
		{"Data source", sm.DataSource},
		{"Detected plots", sm.TotalDetected},
		{"Reference plots", sm.TotalReference},
		{"Compliant", sm.Compliant},
		{"Encroachment", sm.Encroachment},
		{"Boundary mismatch", sm.BoundaryMismatch},
		{"Vacant", sm.Vacant},
		{"Unauthorized development", sm.Unauthorized},
	}
	for i := range rows {
		if err := f.SetSheetRow(summary, fmt.Sprintf("A%d", i+1), &rows[i]); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}
