package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/http/middleware"
	"parcel-audit/internal/model"
	"parcel-audit/internal/reference"
	"parcel-audit/internal/service"
)

// ParcelService is what the handlers need from service.ParcelService.
type ParcelService interface {
	Detect(ctx context.Context, req parcel.DetectRequest) (*parcel.DetectResult, error)
	GetProject(ctx context.Context, id uuid.UUID) (*parcel.Project, error)
	ListPlots(ctx context.Context, projectID uuid.UUID, includeInactive bool) ([]parcel.Plot, error)
	UpdatePlot(ctx context.Context, id uuid.UUID, upd parcel.PlotUpdate) (*parcel.Plot, error)
	DeletePlot(ctx context.Context, id uuid.UUID) error
	Compare(ctx context.Context, projectID uuid.UUID) (*parcel.CompareResult, error)
	Deviations(ctx context.Context, projectID uuid.UUID) (*parcel.CompareResult, error)
	DeviationReport(ctx context.Context, projectID uuid.UUID) ([]byte, error)
	LookupBoundary(ctx context.Context, cr reference.Criteria) (reference.Result, error)
	ListProjects(ctx context.Context) ([]parcel.ProjectListing, error)
	DeleteProject(ctx context.Context, id uuid.UUID) error
	RunCompliance(ctx context.Context, projectID uuid.UUID, req parcel.ComplianceRequest) (*parcel.ComplianceReport, error)
	Compliance(ctx context.Context, projectID uuid.UUID) (*parcel.ComplianceReport, error)
	ComplianceSummary(ctx context.Context, projectID uuid.UUID) (*parcel.ComplianceSummary, error)
	ListAreas(ctx context.Context, category string, refresh bool) ([]reference.Area, error)
	AreaPlots(ctx context.Context, name, category string, refresh bool) (reference.Result, error)
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	parcels ParcelService
	log     zerolog.Logger
}

func NewHandler(parcels ParcelService, log zerolog.Logger) *Handler {
	return &Handler{
		parcels: parcels,
		log:     log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	api := r.Group("/api/v1")
	api.Use(authMiddleware)
	{
		api.GET("/projects", h.listProjects)
		api.GET("/projects/:id", h.getProject)
		api.GET("/projects/:id/plots", h.listPlots)
		api.GET("/projects/:id/deviations", h.listDeviations)
		api.GET("/projects/:id/compliance", h.getCompliance)
		api.GET("/projects/:id/compliance/summary", h.complianceSummary)
		api.GET("/reference/boundary", h.lookupBoundary)
		api.GET("/areas", h.listAreas)
		api.GET("/areas/:name/plots", h.areaPlots)
	}

	// Runs and edits need the auditor or admin role.
	write := api.Group("")
	write.Use(middleware.RequirePipelineAccess())
	{
		write.POST("/projects/detect", h.detect)
		write.DELETE("/projects/:id", h.deleteProject)
		write.POST("/projects/:id/compare", h.compare)
		write.POST("/projects/:id/compliance", h.runCompliance)
		write.PATCH("/plots/:id", h.updatePlot)
		write.DELETE("/plots/:id", h.deletePlot)
	}
}

func (h *Handler) detect(c *gin.Context) {
	var req parcel.DetectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	h.log.Info().
		Floats64("bbox", req.BBox).
		Int("zoom", req.Zoom).
		Str("area", req.AreaName).
		Int("points", len(req.Points)).
		Msg("detection requested")

	result, err := h.parcels.Detect(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err, "detection failed")
		return
	}
	c.JSON(http.StatusCreated, successResponse(gin.H{
		"project":            result.Project,
		"plots":              plotViews(result.Plots),
		"total_detected":     result.TotalDetected,
		"dropped_noise":      result.DroppedNoise,
		"dropped_invalid":    result.DroppedInvalid,
		"guided_added":       result.GuidedAdded,
		"reference_found":    result.ReferenceFound,
		"reference_strategy": result.Strategy,
		"duration_ms":        result.Duration.Milliseconds(),
	}))
}

func (h *Handler) getProject(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	project, err := h.parcels.GetProject(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "failed to get project")
		return
	}
	c.JSON(http.StatusOK, successResponse(project))
}

func (h *Handler) listPlots(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	includeInactive, _ := strconv.ParseBool(c.Query("include_inactive"))
	plots, err := h.parcels.ListPlots(c.Request.Context(), id, includeInactive)
	if err != nil {
		h.respondError(c, err, "failed to list plots")
		return
	}
	if c.Query("format") == "geojson" {
		writeGeoJSON(c, service.PlotFeatures(plots))
		return
	}
	c.JSON(http.StatusOK, successResponse(plotViews(plots)))
}

func (h *Handler) updatePlot(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var upd parcel.PlotUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	plot, err := h.parcels.UpdatePlot(c.Request.Context(), id, upd)
	if err != nil {
		h.respondError(c, err, "failed to update plot")
		return
	}
	c.JSON(http.StatusOK, successResponse(newPlotView(*plot)))
}

func (h *Handler) deletePlot(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.parcels.DeletePlot(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "failed to delete plot")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) compare(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	result, err := h.parcels.Compare(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "comparison failed")
		return
	}
	c.JSON(http.StatusCreated, successResponse(compareView(result)))
}

func (h *Handler) listDeviations(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if c.Query("format") == "xlsx" {
		data, err := h.parcels.DeviationReport(ctx, id)
		if err != nil {
			h.respondError(c, err, "failed to build deviation report")
			return
		}
		c.Header("Content-Disposition", `attachment; filename="deviations-`+id.String()+`.xlsx"`)
		c.Data(http.StatusOK, xlsxContentType, data)
		return
	}

	result, err := h.parcels.Deviations(ctx, id)
	if err != nil {
		h.respondError(c, err, "failed to list deviations")
		return
	}
	if c.Query("format") == "geojson" {
		writeGeoJSON(c, service.DeviationFeatures(result.Deviations))
		return
	}
	c.JSON(http.StatusOK, successResponse(compareView(result)))
}

func (h *Handler) lookupBoundary(c *gin.Context) {
	area := strings.TrimSpace(c.Query("area"))
	if area == "" {
		c.JSON(http.StatusBadRequest, errorResponse("area parameter is required"))
		return
	}
	cr := reference.Criteria{
		AreaName: area,
		Category: strings.TrimSpace(c.Query("category")),
	}
	refresh, ok := queryBool(c, "refresh")
	if !ok {
		return
	}
	cr.Refresh = refresh

	res, err := h.parcels.LookupBoundary(c.Request.Context(), cr)
	if err != nil {
		h.respondError(c, err, "boundary lookup failed")
		return
	}
	if !res.Found {
		c.JSON(http.StatusNotFound, errorResponse("reference area not found"))
		return
	}

	fc := service.ReferenceFeatures(res)
	c.JSON(http.StatusOK, successResponse(gin.H{
		"name":        res.Name,
		"strategy":    res.Strategy,
		"data_source": res.DataSource,
		"cached":      res.Cached,
		"plots":       len(res.Plots),
		"geojson":     fc,
	}))
}

// respondError maps service errors to status codes. Unknown errors are
// logged and hidden from the client.
func (h *Handler) respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrGeometry):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, model.ErrForbidden):
		c.JSON(http.StatusForbidden, errorResponse(err.Error()))
	case errors.Is(err, model.ErrFetch), errors.Is(err, model.ErrInference):
		h.log.Error().Err(err).Msg(msg)
		c.JSON(http.StatusBadGateway, errorResponse(err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		h.log.Error().Err(err).Msg(msg)
		c.JSON(http.StatusGatewayTimeout, errorResponse("upstream timeout"))
	default:
		h.log.Error().Err(err).Msg(msg)
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid "+param))
		return uuid.Nil, false
	}
	return id, true
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func writeGeoJSON(c *gin.Context, fc *geojson.FeatureCollection) {
	body, err := fc.MarshalJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.Data(http.StatusOK, "application/geo+json", body)
}
