package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/flowtrace/flowtrace/internal/detect"
	"github.com/flowtrace/flowtrace/internal/engine"
	"github.com/flowtrace/flowtrace/internal/flowgraph"
	"github.com/flowtrace/flowtrace/internal/idgen"
	"github.com/flowtrace/flowtrace/internal/logging"
	"github.com/flowtrace/flowtrace/internal/pagination"
	"github.com/flowtrace/flowtrace/internal/query"
	"github.com/flowtrace/flowtrace/internal/registry"
	"github.com/flowtrace/flowtrace/internal/validation"
)

// -----------------------------------------------------------------------------
// Ingestion
// -----------------------------------------------------------------------------

type batchRecord struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Amount      string    `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
	Memo        string    `json:"memo"`
	Category    string    `json:"category"`
}

type batchRequest struct {
	BatchID string        `json:"batchId"`
	Records []batchRecord `json:"records"`
}

// ingestBatchHandler handles POST /v1/transactions/batch. Malformed JSON is
// the only whole-batch rejection; individual bad records are reported in the
// result, not fatal.
func (s *Server) ingestBatchHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	batchID := validation.SanitizeString(req.BatchID, 128)
	if batchID == "" {
		batchID = idgen.WithPrefix("batch")
	}

	records := make([]flowgraph.TransactionRecord, len(req.Records))
	for i, r := range req.Records {
		// An unparsable amount leaves the zero value, which the
		// pipeline classifies as an invalid record.
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			amount = decimal.Zero
		}
		records[i] = flowgraph.TransactionRecord{
			ID:          validation.SanitizeString(r.ID, validation.MaxEntityIDLength),
			Source:      validation.SanitizeString(r.Source, validation.MaxEntityIDLength),
			Destination: validation.SanitizeString(r.Destination, validation.MaxEntityIDLength),
			Amount:      amount,
			Timestamp:   r.Timestamp,
			Memo:        validation.SanitizeString(r.Memo, validation.MaxStringLength),
			Category:    validation.SanitizeString(r.Category, 128),
		}
	}

	report, err := s.pipeline.IngestBatch(ctx, batchID, records)
	if err != nil {
		logging.L(ctx).Error("batch ingestion aborted", "batch_id", batchID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ingestion_aborted",
			"message": "Batch ingestion was interrupted",
		})
		return
	}

	s.realtimeHub.BroadcastBatchIngested(gin.H{
		"batchId":      report.BatchID,
		"summary":      report.Summary,
		"graphVersion": report.GraphVersion,
	})

	c.JSON(http.StatusOK, report)
}

// -----------------------------------------------------------------------------
// Entities
// -----------------------------------------------------------------------------

func (s *Server) listEntitiesHandler(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 500)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	entities := s.registry.All()
	sort.Slice(entities, func(i, j int) bool {
		if !entities[i].FirstSeen.Equal(entities[j].FirstSeen) {
			return entities[i].FirstSeen.Before(entities[j].FirstSeen)
		}
		return entities[i].ID < entities[j].ID
	})

	if cursor != nil {
		idx := sort.Search(len(entities), func(i int) bool {
			e := entities[i]
			if !e.FirstSeen.Equal(cursor.At) {
				return e.FirstSeen.After(cursor.At)
			}
			return e.ID > cursor.ID
		})
		entities = entities[idx:]
	}

	if len(entities) > limit+1 {
		entities = entities[:limit+1]
	}
	page, next, hasMore := pagination.ComputePage(entities, limit, func(e registry.Entity) (time.Time, string) {
		return e.FirstSeen, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"entities":   page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

func (s *Server) getEntityHandler(c *gin.Context) {
	entity, err := s.facade.GetEntity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.entityError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (s *Server) annotateEntityHandler(c *gin.Context) {
	var req struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	id := c.Param("id")
	var (
		entity registry.Entity
		err    error
	)

	if req.Name != "" {
		entity, err = s.registry.SetName(id, validation.SanitizeString(req.Name, 200))
		if err != nil {
			s.entityError(c, err)
			return
		}
	}
	if len(req.Tags) > 0 {
		tags := make([]string, 0, len(req.Tags))
		for _, tag := range req.Tags {
			if t := validation.SanitizeString(tag, 128); t != "" {
				tags = append(tags, t)
			}
		}
		entity, err = s.registry.Annotate(id, tags...)
		if err != nil {
			s.entityError(c, err)
			return
		}
	}
	if req.Name == "" && len(req.Tags) == 0 {
		entity, err = s.registry.Get(id)
		if err != nil {
			s.entityError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, entity)
}

func (s *Server) attachEvidenceHandler(c *gin.Context) {
	var req struct {
		Label string `json:"label"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Label == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A non-empty evidence label is required",
		})
		return
	}

	entity, err := s.registry.AttachEvidence(c.Param("id"), validation.SanitizeString(req.Label, validation.MaxStringLength))
	if err != nil {
		s.entityError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (s *Server) listEdgesHandler(c *gin.Context) {
	edges, err := s.facade.ListEdgesFor(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.entityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges})
}

func (s *Server) getRiskHandler(c *gin.Context) {
	assessment, err := s.facade.GetRiskAssessment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, query.ErrNoPublication) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_detection_run",
				"message": "No detection run has been published yet",
			})
			return
		}
		s.entityError(c, err)
		return
	}
	c.JSON(http.StatusOK, assessment)
}

func (s *Server) entityError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrEntityNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "entity_not_found",
			"message": "No entity with this id has been observed",
		})
	case errors.Is(err, registry.ErrInvalidEntityID):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_id",
			"message": "Entity id is malformed",
		})
	default:
		logging.L(c.Request.Context()).Error("entity lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Entity lookup failed",
		})
	}
}

// -----------------------------------------------------------------------------
// Edges
// -----------------------------------------------------------------------------

func (s *Server) getEdgeHandler(c *gin.Context) {
	source := c.Param("source")
	destination := c.Param("destination")
	if !validation.IsValidEntityID(source) || !validation.IsValidEntityID(destination) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_id",
			"message": "Source and destination must be well-formed entity ids",
		})
		return
	}

	edge, ok, err := s.graph.Edge(c.Request.Context(), source, destination)
	if err != nil {
		logging.L(c.Request.Context()).Error("edge lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Edge lookup failed",
		})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "edge_not_found",
			"message": "No flow has been observed between these entities",
		})
		return
	}
	c.JSON(http.StatusOK, edge)
}

// -----------------------------------------------------------------------------
// Detection
// -----------------------------------------------------------------------------

type detectionRequest struct {
	MaxCycleLength          *int     `json:"maxCycleLength"`
	MinCycleAmount          *string  `json:"minCycleAmount"`
	FanWindow               *string  `json:"fanWindow"`
	FanMinCounterparties    *int     `json:"fanMinCounterparties"`
	FanMinAmount            *string  `json:"fanMinAmount"`
	PassThroughWindow       *string  `json:"passThroughWindow"`
	PassThroughTolerancePct *float64 `json:"passThroughTolerancePct"`
}

// runDetectionHandler handles POST /v1/detections. The request body may
// override individual detection parameters; unset fields keep the configured
// values. Thresholds always come from configuration.
func (s *Server) runDetectionHandler(c *gin.Context) {
	ctx := c.Request.Context()

	params := s.cfg.DetectionParams()
	if c.Request.ContentLength > 0 {
		var req detectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
		if err := applyOverrides(&params, req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_parameters",
				"message": err.Error(),
			})
			return
		}
	}

	pub, err := s.engine.RunDetection(ctx, params, s.cfg.RiskThresholds())
	if err != nil {
		if engine.IsConfigError(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_parameters",
				"message": err.Error(),
			})
			return
		}
		logging.L(ctx).Error("detection run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "detection_failed",
			"message": "Detection run could not be completed",
		})
		return
	}

	c.JSON(http.StatusCreated, pub)
}

func applyOverrides(params *detect.Params, req detectionRequest) error {
	if req.MaxCycleLength != nil {
		params.MaxCycleLength = *req.MaxCycleLength
	}
	if req.FanMinCounterparties != nil {
		params.FanMinCounterparties = *req.FanMinCounterparties
	}
	if req.PassThroughTolerancePct != nil {
		params.PassThroughTolerancePct = *req.PassThroughTolerancePct
	}
	if req.MinCycleAmount != nil {
		d, err := decimal.NewFromString(*req.MinCycleAmount)
		if err != nil {
			return errors.New("minCycleAmount: invalid decimal")
		}
		params.MinCycleAmount = d
	}
	if req.FanMinAmount != nil {
		d, err := decimal.NewFromString(*req.FanMinAmount)
		if err != nil {
			return errors.New("fanMinAmount: invalid decimal")
		}
		params.FanMinAmount = d
	}
	if req.FanWindow != nil {
		d, err := time.ParseDuration(*req.FanWindow)
		if err != nil {
			return errors.New("fanWindow: invalid duration")
		}
		params.FanWindow = d
	}
	if req.PassThroughWindow != nil {
		d, err := time.ParseDuration(*req.PassThroughWindow)
		if err != nil {
			return errors.New("passThroughWindow: invalid duration")
		}
		params.PassThroughWindow = d
	}
	return nil
}

func (s *Server) latestDetectionHandler(c *gin.Context) {
	pub, err := s.facade.LatestPublication(c.Request.Context())
	if err != nil {
		if errors.Is(err, query.ErrNoPublication) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_detection_run",
				"message": "No detection run has been published yet",
			})
			return
		}
		logging.L(c.Request.Context()).Error("publication lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load the latest detection run",
		})
		return
	}
	c.JSON(http.StatusOK, pub)
}

func (s *Server) listFindingsHandler(c *gin.Context) {
	filter := query.FindingFilter{
		Kind:     detect.Kind(c.Query("kind")),
		EntityID: c.Query("entity"),
		Limit:    parseLimit(c.Query("limit"), 0, 1000),
	}

	findings, err := s.facade.ListFindings(c.Request.Context(), filter)
	if err != nil {
		if errors.Is(err, query.ErrNoPublication) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_detection_run",
				"message": "No detection run has been published yet",
			})
			return
		}
		logging.L(c.Request.Context()).Error("findings lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list findings",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"findings": findings})
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

func (s *Server) graphStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entities":     s.graph.EntityCount(),
		"edges":        s.graph.EdgeCount(),
		"graphVersion": s.graph.Version(),
		"realtime":     s.realtimeHub.Stats(),
	})
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
