package reference

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/model"
	"parcel-audit/internal/utils"
)

// Allotment is one row of an allotment register.
type Allotment struct {
	AreaName   string
	PlotName   string
	Allottee   string
	Status     string
	StatusText string // as written, before normalization
	Date       *time.Time
}

// Register indexes allotments by area and plot name.
type Register struct {
	rows map[string]Allotment
}

var registerColumns = map[string][]string{
	"area":     {"area", "area_name", "industrial_area", "ia_name"},
	"plot":     {"plot", "plot_no", "plot_number", "plot_name"},
	"allottee": {"allottee", "allottee_name", "firm_name", "firm", "unit_name"},
	"status":   {"status", "allotment_status", "allot_status"},
	"date":     {"allotment_date", "date_of_allotment", "allot_date", "date"},
}

// LoadRegister reads the first sheet of an xlsx allotment register. The
// first row holds column names; a plot column is required.
func LoadRegister(path string) (*Register, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open register: %v", model.ErrConfiguration, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: read register sheet %q: %v", model.ErrConfiguration, sheet, err)
	}
	return parseRegister(rows)
}

func parseRegister(rows [][]string) (*Register, error) {
	if len(rows) == 0 {
		return &Register{rows: map[string]Allotment{}}, nil
	}
	idx := map[string]int{}
	for i, h := range rows[0] {
		h = strings.ToLower(strings.Join(strings.Fields(h), "_"))
		for col, names := range registerColumns {
			if _, done := idx[col]; done {
				continue
			}
			for _, n := range names {
				if h == n {
					idx[col] = i
					break
				}
			}
		}
	}
	if _, ok := idx["plot"]; !ok {
		return nil, fmt.Errorf("%w: register has no plot column", model.ErrConfiguration)
	}

	cell := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	reg := &Register{rows: make(map[string]Allotment, len(rows)-1)}
	for _, row := range rows[1:] {
		plot := cell(row, "plot")
		if plot == "" {
			continue
		}
		status := cell(row, "status")
		a := Allotment{
			AreaName:   cell(row, "area"),
			PlotName:   plot,
			Allottee:   cell(row, "allottee"),
			Status:     NormalizeStatus(status),
			StatusText: status,
		}
		if d, ok := parseRegisterDate(cell(row, "date")); ok {
			a.Date = &d
		}
		reg.rows[registerKey(a.AreaName, plot)] = a
	}
	return reg, nil
}

func parseRegisterDate(s string) (time.Time, bool) {
	if t, ok := parseDate(s); ok {
		return t, true
	}
	// unformatted cells come through as excel serial numbers
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func registerKey(area, plot string) string {
	return utils.CompactName(area) + "|" + utils.CompactName(plot)
}

func (r *Register) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rows)
}

// Lookup finds the allotment of a plot, preferring a row for the same area
// over an area-less row.
func (r *Register) Lookup(area, plot string) (Allotment, bool) {
	if r == nil {
		return Allotment{}, false
	}
	if a, ok := r.rows[registerKey(area, plot)]; ok {
		return a, true
	}
	a, ok := r.rows[registerKey("", plot)]
	return a, ok
}

// Enrich fills allotment attributes from the register. Register values win
// over feature properties; missing register values keep the feature's.
func (r *Register) Enrich(plots []parcel.ReferencePlot) int {
	n := 0
	for i := range plots {
		a, ok := r.Lookup(plots[i].AreaName, plots[i].Name)
		if !ok {
			continue
		}
		if a.Allottee != "" {
			plots[i].Allottee = a.Allottee
		}
		if a.Status != "" {
			plots[i].Status = a.Status
			plots[i].StatusText = a.StatusText
		}
		if a.Date != nil {
			plots[i].AllotmentDate = a.Date
		}
		plots[i].DataSource = parcel.DataSourceRegister
		n++
	}
	return n
}
