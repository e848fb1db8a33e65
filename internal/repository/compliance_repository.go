package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/model"
)

func (ComplianceRun) TableName() string {
	return "compliance_runs"
}

func (PlotComplianceRow) TableName() string {
	return "plot_compliance"
}

type ComplianceRun struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	AreaName  *string
	Summary   datatypes.JSONType[parcel.ComplianceSummary] `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
}

type PlotComplianceRow struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RunID       uuid.UUID  `gorm:"type:uuid;not null"`
	ProjectID   uuid.UUID  `gorm:"type:uuid;not null"`
	PlotID      *uuid.UUID `gorm:"type:uuid"`
	IsCompliant *bool
	Result      datatypes.JSONType[parcel.PlotCompliance] `gorm:"type:jsonb;not null"`
	Position    int
}

func complianceRows(r *parcel.ComplianceReport) []PlotComplianceRow {
	rows := make([]PlotComplianceRow, 0, len(r.Results))
	for i, pc := range r.Results {
		plotID := pc.PlotID
		rows = append(rows, PlotComplianceRow{
			ID:          uuid.New(),
			RunID:       r.RunID,
			ProjectID:   r.ProjectID,
			PlotID:      &plotID,
			IsCompliant: pc.Compliant,
			Result:      datatypes.NewJSONType(pc),
			Position:    i,
		})
	}
	return rows
}

// ReplaceCompliance stores a compliance run as the project's only one.
func (r *ParcelRepository) ReplaceCompliance(ctx context.Context, report *parcel.ComplianceReport) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	run := ComplianceRun{
		ID:        report.RunID,
		ProjectID: report.ProjectID,
		AreaName:  optional(report.AreaName),
		Summary:   datatypes.NewJSONType(report.Summary),
		CreatedAt: report.CreatedAt,
	}
	rows := complianceRows(report)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// plot_compliance rows go with the run
		if err := tx.Where("project_id = ?", report.ProjectID).Delete(&ComplianceRun{}).Error; err != nil {
			return fmt.Errorf("delete compliance run: %w", err)
		}
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("insert compliance run: %w", err)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("insert plot compliance: %w", err)
			}
		}
		return nil
	})
}

// LatestCompliance returns the project's compliance run, or nil when none
// was made.
func (r *ParcelRepository) LatestCompliance(ctx context.Context, projectID uuid.UUID) (*parcel.ComplianceReport, error) {
	var run ComplianceRun
	err := r.db.WithContext(ctx).Where("project_id = ?", projectID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []PlotComplianceRow
	if err := r.db.WithContext(ctx).Where("run_id = ?", run.ID).Order("position").Find(&rows).Error; err != nil {
		return nil, err
	}
	report := &parcel.ComplianceReport{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		AreaName:  deref(run.AreaName),
		Summary:   run.Summary.Data(),
		Results:   make([]parcel.PlotCompliance, 0, len(rows)),
		CreatedAt: run.CreatedAt,
	}
	for _, row := range rows {
		report.Results = append(report.Results, row.Result.Data())
	}
	return report, nil
}

// ListProjects returns every project, newest first, with the number of
// active plots it holds.
func (r *ParcelRepository) ListProjects(ctx context.Context) ([]parcel.ProjectListing, error) {
	var rows []Project
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	var counts []struct {
		ProjectID uuid.UUID
		Count     int
	}
	err := r.db.WithContext(ctx).Model(&Plot{}).
		Select("project_id, count(*) AS count").
		Where("active").
		Group("project_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	byProject := make(map[uuid.UUID]int, len(counts))
	for _, c := range counts {
		byProject[c.ProjectID] = c.Count
	}
	out := make([]parcel.ProjectListing, 0, len(rows))
	for _, row := range rows {
		out = append(out, parcel.ProjectListing{Project: row.domain(), PlotCount: byProject[row.ID]})
	}
	return out, nil
}

// DeleteProject removes a project; its plots, deviations and compliance
// runs cascade.
func (r *ParcelRepository) DeleteProject(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Project{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: project %s", model.ErrNotFound, id)
	}
	return nil
}
