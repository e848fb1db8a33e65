package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/service"
)

func (h *Handler) listProjects(c *gin.Context) {
	projects, err := h.parcels.ListProjects(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []parcel.ProjectListing{}
	}
	c.JSON(http.StatusOK, successResponse(projects))
}

func (h *Handler) deleteProject(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.parcels.DeleteProject(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "failed to delete project")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) runCompliance(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	// an empty body runs every check
	var req parcel.ComplianceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	report, err := h.parcels.RunCompliance(c.Request.Context(), id, req)
	if err != nil {
		h.respondError(c, err, "compliance run failed")
		return
	}
	c.JSON(http.StatusCreated, successResponse(report))
}

func (h *Handler) getCompliance(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	report, err := h.parcels.Compliance(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "failed to get compliance results")
		return
	}
	c.JSON(http.StatusOK, successResponse(report))
}

func (h *Handler) complianceSummary(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	summary, err := h.parcels.ComplianceSummary(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "failed to get compliance summary")
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{
		"has_data": summary != nil,
		"summary":  summary,
	}))
}

func (h *Handler) listAreas(c *gin.Context) {
	refresh, ok := queryBool(c, "refresh")
	if !ok {
		return
	}
	category := c.DefaultQuery("category", "industrial")
	areas, err := h.parcels.ListAreas(c.Request.Context(), category, refresh)
	if err != nil {
		h.respondError(c, err, "failed to list areas")
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{
		"category": category,
		"count":    len(areas),
		"areas":    areas,
	}))
}

func (h *Handler) areaPlots(c *gin.Context) {
	refresh, ok := queryBool(c, "refresh")
	if !ok {
		return
	}
	res, err := h.parcels.AreaPlots(c.Request.Context(), c.Param("name"), c.Query("category"), refresh)
	if err != nil {
		h.respondError(c, err, "failed to get area plots")
		return
	}
	fc := service.ReferenceFeatures(res)
	if c.Query("format") == "geojson" {
		writeGeoJSON(c, fc)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{
		"name":        res.Name,
		"data_source": res.DataSource,
		"cached":      res.Cached,
		"plots":       res.Plots,
		"geojson":     fc,
	}))
}

// queryBool parses an optional boolean query parameter, answering 400
// when it is malformed.
func queryBool(c *gin.Context, key string) (bool, bool) {
	raw := c.Query(key)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(key+" must be a boolean"))
		return false, false
	}
	return v, true
}
