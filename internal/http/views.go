package http

import (
	"encoding/json"

	"github.com/paulmach/orb"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
)

type plotView struct {
	parcel.Plot
	Geometry json.RawMessage `json:"geometry"`
}

type deviationView struct {
	parcel.Deviation
	Geometry json.RawMessage `json:"geometry"`
}

func geometryJSON(g orb.Geometry) json.RawMessage {
	if g == nil {
		return json.RawMessage("null")
	}
	b, err := geometry.Marshal(g)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func newPlotView(p parcel.Plot) plotView {
	return plotView{Plot: p, Geometry: geometryJSON(p.Geometry)}
}

func plotViews(plots []parcel.Plot) []plotView {
	out := make([]plotView, 0, len(plots))
	for _, p := range plots {
		out = append(out, newPlotView(p))
	}
	return out
}

func compareView(res *parcel.CompareResult) map[string]any {
	devs := make([]deviationView, 0, len(res.Deviations))
	for _, d := range res.Deviations {
		devs = append(devs, deviationView{Deviation: d, Geometry: geometryJSON(d.Geometry)})
	}
	return map[string]any{
		"run_id":     res.RunID,
		"deviations": devs,
		"summary":    res.Summary,
	}
}
