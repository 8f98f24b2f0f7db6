package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/placevote/internal/compaction"
	"github.com/MarcoPoloResearchLab/placevote/internal/places"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultTopPlacesLimit    = 5
	defaultHeartbeatInterval = 30 * time.Second
)

var errMissingRegistry = errors.New("place registry dependency required")

// CompactionLedger lists recorded compaction runs.
type CompactionLedger interface {
	List(ctx context.Context, limit int) ([]compaction.Run, error)
}

type Dependencies struct {
	Registry          *places.Registry
	Ledger            CompactionLedger
	Realtime          *RealtimeDispatcher
	TopPlacesLimit    int
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	topLimit := deps.TopPlacesLimit
	if topLimit <= 0 {
		topLimit = defaultTopPlacesLimit
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		registry:          deps.Registry,
		ledger:            deps.Ledger,
		realtime:          realtime,
		topLimit:          topLimit,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.POST("/propose", handler.handlePropose)
	router.POST("/vote", handler.handleVote)
	router.GET("/places", handler.handleListPlaces)
	router.GET("/places/:name", handler.handleGetPlace)
	router.GET("/graphData", handler.handleTopPlaces)
	router.GET("/view-voted", handler.handleViewVoted)
	router.GET("/view-except-voted", handler.handleViewExceptVoted)
	router.GET("/filter", handler.handleFilter)
	router.GET("/events", handler.handleEvents)
	router.GET("/admin/compactions", handler.handleListCompactions)

	return router, nil
}

type httpHandler struct {
	registry          *places.Registry
	ledger            CompactionLedger
	realtime          *RealtimeDispatcher
	topLimit          int
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type proposeRequestPayload struct {
	UserID    string `json:"user_id"`
	PlaceName string `json:"place_name"`
	Country   string `json:"country"`
	Region    string `json:"region"`
}

type voteRequestPayload struct {
	PlaceName string `json:"place_name"`
	UserID    string `json:"user_id"`
	Comment   string `json:"comment"`
}

type placePayload struct {
	PlaceName string   `json:"place_name"`
	Country   string   `json:"country"`
	Region    string   `json:"region"`
	VoteCount int      `json:"vote_count"`
	Comments  []string `json:"comments"`
}

type voteResponsePayload struct {
	Message   string `json:"message"`
	VoteCount int    `json:"vote_count"`
}

type compactionRunPayload struct {
	RunID             string `json:"run_id"`
	StartedAtSeconds  int64  `json:"started_at_s"`
	FinishedAtSeconds int64  `json:"finished_at_s"`
	EventsMoved       int64  `json:"events_moved"`
	BytesMoved        int64  `json:"bytes_moved"`
	Status            string `json:"status"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

type realtimePayload struct {
	PlaceName string `json:"place_name,omitempty"`
	VoteCount int    `json:"vote_count,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

func (h *httpHandler) handlePropose(c *gin.Context) {
	var request proposeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "All details were not entered. Try again")
		return
	}
	userID, err := places.NewUserID(request.UserID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_user_id", "All details were not entered. Try again")
		return
	}
	name, err := places.NewPlaceName(request.PlaceName)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_place_name", "All details were not entered. Try again")
		return
	}
	location, err := places.NewLocation(request.Country, request.Region)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_location", "All details were not entered. Try again")
		return
	}

	view, err := h.registry.Propose(userID, name, location)
	switch {
	case err == nil:
	case errors.Is(err, places.ErrAlreadyExists):
		respondError(c, http.StatusConflict, "place_already_exists", "Place already proposed")
		return
	default:
		h.respondServiceError(c, "failed to propose place", err)
		return
	}

	h.realtime.Publish(RealtimeMessage{
		EventType: RealtimeEventPlaceProposed,
		PlaceName: view.PlaceName.String(),
		VoteCount: view.VoteCount,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusCreated, gin.H{"message": "Place proposed successfully"})
}

func (h *httpHandler) handleVote(c *gin.Context) {
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid vote request")
		return
	}
	userID, err := places.NewUserID(request.UserID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_user_id", "User ID is required")
		return
	}
	name, err := places.NewPlaceName(request.PlaceName)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_place_name", "Place name is required")
		return
	}

	view, err := h.registry.Vote(name, userID, request.Comment)
	switch {
	case err == nil:
	case errors.Is(err, places.ErrNotFound):
		respondError(c, http.StatusNotFound, "place_not_found", "Place not found")
		return
	case errors.Is(err, places.ErrAlreadyVoted):
		respondError(c, http.StatusConflict, "already_voted", "You have already voted for this place")
		return
	default:
		h.respondServiceError(c, "failed to record vote", err)
		return
	}

	h.realtime.Publish(RealtimeMessage{
		EventType: RealtimeEventPlaceVoted,
		PlaceName: view.PlaceName.String(),
		VoteCount: view.VoteCount,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, voteResponsePayload{Message: "Vote recorded successfully", VoteCount: view.VoteCount})
}

func (h *httpHandler) handleListPlaces(c *gin.Context) {
	c.JSON(http.StatusOK, toPlacePayloads(h.registry.Traverse(nil)))
}

func (h *httpHandler) handleGetPlace(c *gin.Context) {
	name, err := places.NewPlaceName(c.Param("name"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_place_name", "Place name is required")
		return
	}
	view, ok := h.registry.Lookup(name)
	if !ok {
		respondError(c, http.StatusNotFound, "place_not_found", "Place not found")
		return
	}
	c.JSON(http.StatusOK, toPlacePayload(view))
}

func (h *httpHandler) handleTopPlaces(c *gin.Context) {
	c.JSON(http.StatusOK, toPlacePayloads(h.registry.TopByVotes(h.topLimit)))
}

func (h *httpHandler) handleViewVoted(c *gin.Context) {
	userID, err := places.NewUserID(c.Query("user_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "missing_user_id", "User ID is required")
		return
	}
	if !h.registry.UserHasAnyActivity(userID) {
		respondError(c, http.StatusNotFound, "user_not_found", "User not found")
		return
	}
	c.JSON(http.StatusOK, toPlacePayloads(h.registry.Traverse(places.VotedBy(userID))))
}

func (h *httpHandler) handleViewExceptVoted(c *gin.Context) {
	userID, err := places.NewUserID(c.Query("user_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "missing_user_id", "User ID is required")
		return
	}
	c.JSON(http.StatusOK, toPlacePayloads(h.registry.Traverse(places.NotVotedBy(userID))))
}

func (h *httpHandler) handleFilter(c *gin.Context) {
	country := strings.TrimSpace(c.Query("country"))
	region := strings.TrimSpace(c.Query("region"))
	c.JSON(http.StatusOK, toPlacePayloads(h.registry.Traverse(places.InLocation(country, region))))
}

func (h *httpHandler) handleListCompactions(c *gin.Context) {
	if h.ledger == nil {
		respondError(c, http.StatusServiceUnavailable, "ledger_unavailable", "Compaction history is not configured")
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	runs, err := h.ledger.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list compaction runs", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "ledger_query_failed", "Failed to load compaction history")
		return
	}
	response := make([]compactionRunPayload, 0, len(runs))
	for _, run := range runs {
		response = append(response, compactionRunPayload{
			RunID:             run.RunID,
			StartedAtSeconds:  run.StartedAtSeconds,
			FinishedAtSeconds: run.FinishedAtSeconds,
			EventsMoved:       run.EventsMoved,
			BytesMoved:        run.BytesMoved,
			Status:            run.Status,
			ErrorMessage:      run.ErrorMessage,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message := <-stream:
			c.SSEvent(message.EventType, realtimePayload{
				PlaceName: message.PlaceName,
				VoteCount: message.VoteCount,
				Timestamp: message.Timestamp.Unix(),
				Source:    realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimePayload{
				Timestamp: tick.UTC().Unix(),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	body := gin.H{"error": "persistence_failed", "message": "Failed to save change"}
	var serviceErr *places.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if !errors.Is(err, places.ErrPersistence) {
		body["error"] = "internal_error"
	}
	c.JSON(http.StatusInternalServerError, body)
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

func toPlacePayload(view places.PlaceView) placePayload {
	comments := view.Comments
	if comments == nil {
		comments = []string{}
	}
	return placePayload{
		PlaceName: view.PlaceName.String(),
		Country:   view.Country,
		Region:    view.Region,
		VoteCount: view.VoteCount,
		Comments:  comments,
	}
}

func toPlacePayloads(views []places.PlaceView) []placePayload {
	payloads := make([]placePayload, 0, len(views))
	for _, view := range views {
		payloads = append(payloads, toPlacePayload(view))
	}
	return payloads
}
