// Package server provides the HTTP intake API: it validates incoming
// generation and reprocessing requests, records them as pending and enqueues
// a job for the workers. No generation happens on this path.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/backlogd/internal/artifact"
	"github.com/fyrsmithlabs/backlogd/internal/dispatch"
	"github.com/fyrsmithlabs/backlogd/internal/logging"
	"github.com/fyrsmithlabs/backlogd/internal/store"
)

// JobQueue enqueues one job for the workers.
type JobQueue interface {
	Enqueue(ctx context.Context, job *dispatch.Job) error
}

// Server is the HTTP intake server.
type Server struct {
	echo    *echo.Echo
	store   *store.Store
	queue   JobQueue
	metrics http.Handler
	log     *logging.Logger
	port    int
}

// New creates the intake server. metricsHandler may be nil to disable the
// /metrics route.
func New(st *store.Store, queue JobQueue, metricsHandler http.Handler, log *logging.Logger, port int) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	log = log.Named("server")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			log.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		store:   st,
		queue:   queue,
		metrics: metricsHandler,
		log:     log,
		port:    port,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	s.echo.POST("/generate", s.handleGenerate)
	s.echo.POST("/independent", s.handleIndependent)
	s.echo.POST("/reprocess/:artifact_type/:artifact_id", s.handleReprocess)
	s.echo.GET("/status/:request_id", s.handleStatus)
}

// PromptData is the prompt payload shared by all intake routes.
type PromptData struct {
	System    string `json:"system"`
	User      string `json:"user"`
	Assistant string `json:"assistant"`
	UserInput string `json:"user_input"`
}

func (p *PromptData) validate() error {
	if p.System == "" || p.User == "" {
		return errors.New("prompt_data.system and prompt_data.user are required")
	}
	return nil
}

// LLMOptions are optional per-request generation overrides.
type LLMOptions struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

func (o *LLMOptions) validate() error {
	if o == nil {
		return nil
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 1) {
		return errors.New("llm_config.temperature must be in [0, 1]")
	}
	if o.TopP != nil && (*o.TopP < 0 || *o.TopP > 1) {
		return errors.New("llm_config.top_p must be in [0, 1]")
	}
	if o.MaxTokens != nil && *o.MaxTokens <= 0 {
		return errors.New("llm_config.max_tokens must be > 0")
	}
	return nil
}

func (o *LLMOptions) toJob() *dispatch.Options {
	if o == nil {
		return nil
	}
	return &dispatch.Options{
		Model:       o.Model,
		Temperature: o.Temperature,
		MaxTokens:   o.MaxTokens,
		TopP:        o.TopP,
	}
}

// GenerateRequest is the body of POST /generate: hierarchical creation under
// a known parent.
type GenerateRequest struct {
	Parent        int64       `json:"parent"`
	ParentType    string      `json:"parent_type"`
	TaskType      string      `json:"task_type"`
	PromptData    PromptData  `json:"prompt_data"`
	Platform      string      `json:"platform"`
	Language      string      `json:"language"`
	LLMConfig     *LLMOptions `json:"llm_config"`
	WorkItemID    *string     `json:"work_item_id"`
	ParentBoardID *string     `json:"parent_board_id"`
	TypeTest      string      `json:"type_test"`
	ProjectID     *string     `json:"project_id"`
}

// IndependentRequest is the body of POST /independent: project-scoped
// creation with an optional parent.
type IndependentRequest struct {
	ProjectID     string      `json:"project_id"`
	TaskType      string      `json:"task_type"`
	PromptData    PromptData  `json:"prompt_data"`
	Platform      string      `json:"platform"`
	Language      string      `json:"language"`
	Parent        *int64      `json:"parent"`
	ParentType    string      `json:"parent_type"`
	LLMConfig     *LLMOptions `json:"llm_config"`
	WorkItemID    *string     `json:"work_item_id"`
	ParentBoardID *string     `json:"parent_board_id"`
	TypeTest      string      `json:"type_test"`
}

// ReprocessBody is the body of POST /reprocess/{artifact_type}/{artifact_id}.
type ReprocessBody struct {
	PromptData    PromptData  `json:"prompt_data"`
	Platform      string      `json:"platform"`
	Language      string      `json:"language"`
	LLMConfig     *LLMOptions `json:"llm_config"`
	TypeTest      string      `json:"type_test"`
	WorkItemID    *string     `json:"work_item_id"`
	ParentBoardID *string     `json:"parent_board_id"`
}

// QueuedResponse acknowledges an accepted request.
type QueuedResponse struct {
	RequestID string            `json:"request_id"`
	Response  map[string]string `json:"response"`
}

// StatusResponse is the durable view of one request.
type StatusResponse struct {
	RequestID    string             `json:"request_id"`
	ProjectID    *string            `json:"project_id"`
	Parent       *int64             `json:"parent"`
	TaskType     artifact.TaskType  `json:"task_type"`
	Status       artifact.Status    `json:"status"`
	ErrorMessage *string            `json:"error_message"`
	CreatedAt    time.Time          `json:"created_at"`
	ProcessedAt  *time.Time         `json:"processed_at"`
	ArtifactType *artifact.TaskType `json:"artifact_type"`
	ArtifactID   *int64             `json:"artifact_id"`
	Platform     artifact.Platform  `json:"platform,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleGenerate(c echo.Context) error {
	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	taskType, err := artifact.ParseTaskType(req.TaskType)
	if err != nil || !taskType.Generatable() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid task_type %q", req.TaskType))
	}
	if _, err := artifact.ParseTaskType(req.ParentType); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid parent_type %q", req.ParentType))
	}
	platform, language, httpErr := s.commonFields(req.Platform, req.Language, &req.PromptData, req.LLMConfig)
	if httpErr != nil {
		return httpErr
	}
	if req.ProjectID != nil {
		if _, err := uuid.Parse(*req.ProjectID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid project_id %q", *req.ProjectID))
		}
	}

	ctx := c.Request().Context()
	requestID := uuid.NewString()
	parent := req.Parent
	parentType := artifact.TaskType(req.ParentType)
	row := &artifact.Request{
		RequestID:  requestID,
		Parent:     &parent,
		ParentType: &parentType,
		ProjectID:  req.ProjectID,
		TaskType:   taskType,
		Status:     artifact.StatusPending,
		Platform:   platform,
	}
	if err := s.insertAndEnqueue(ctx, row, &dispatch.Job{
		RequestID:     requestID,
		TaskType:      req.TaskType,
		Prompt:        promptPayload(&req.PromptData),
		ParentType:    req.ParentType,
		Language:      language,
		Options:       req.LLMConfig.toJob(),
		WorkItemID:    req.WorkItemID,
		ParentBoardID: req.ParentBoardID,
		TypeTest:      req.TypeTest,
		ProjectID:     req.ProjectID,
		Platform:      string(platform),
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, queued(requestID))
}

func (s *Server) handleIndependent(c echo.Context) error {
	var req IndependentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if _, err := uuid.Parse(req.ProjectID); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid project_id %q", req.ProjectID))
	}
	taskType, err := artifact.ParseTaskType(req.TaskType)
	if err != nil || !taskType.Generatable() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid task_type %q", req.TaskType))
	}
	var parentType *artifact.TaskType
	if req.ParentType != "" {
		pt, err := artifact.ParseTaskType(req.ParentType)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid parent_type %q", req.ParentType))
		}
		parentType = &pt
	}
	if req.Parent != nil && parentType == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "parent_type is required when parent is provided")
	}
	platform, language, httpErr := s.commonFields(req.Platform, req.Language, &req.PromptData, req.LLMConfig)
	if httpErr != nil {
		return httpErr
	}

	ctx := c.Request().Context()
	requestID := uuid.NewString()
	row := &artifact.Request{
		RequestID:  requestID,
		Parent:     req.Parent,
		ParentType: parentType,
		ProjectID:  &req.ProjectID,
		TaskType:   taskType,
		Status:     artifact.StatusPending,
		Platform:   platform,
	}
	if err := s.insertAndEnqueue(ctx, row, &dispatch.Job{
		RequestID:     requestID,
		TaskType:      req.TaskType,
		Prompt:        promptPayload(&req.PromptData),
		ParentType:    req.ParentType,
		Language:      language,
		Options:       req.LLMConfig.toJob(),
		WorkItemID:    req.WorkItemID,
		ParentBoardID: req.ParentBoardID,
		TypeTest:      req.TypeTest,
		ProjectID:     &req.ProjectID,
		Platform:      string(platform),
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, queued(requestID))
}

func (s *Server) handleReprocess(c echo.Context) error {
	var req ReprocessBody
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	taskType, err := artifact.ParseTaskType(c.Param("artifact_type"))
	if err != nil || !taskType.Stored() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid artifact_type %q", c.Param("artifact_type")))
	}
	artifactID, err := strconv.ParseInt(c.Param("artifact_id"), 10, 64)
	if err != nil || artifactID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid artifact_id %q", c.Param("artifact_id")))
	}
	platform, language, httpErr := s.commonFields(req.Platform, req.Language, &req.PromptData, req.LLMConfig)
	if httpErr != nil {
		return httpErr
	}

	ctx := c.Request().Context()
	existing, err := s.store.GetArtifact(ctx, taskType, artifactID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s %d not found", taskType, artifactID))
	}
	if err != nil {
		s.log.Error(ctx, "load artifact for reprocessing", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	if existing.Platform != "" && existing.Platform != platform {
		return echo.NewHTTPError(http.StatusBadRequest, "platform cannot change on reprocessing")
	}

	// Reprocessing keeps the artifact's own lineage; for epics the parent
	// slot carries the external team id.
	parent := existing.Parent
	if taskType == artifact.TypeEpic {
		parent = existing.TeamProjectID
	}

	requestID := uuid.NewString()
	row := &artifact.Request{
		RequestID:    requestID,
		Parent:       parent,
		ProjectID:    existing.ProjectID,
		TaskType:     taskType,
		Status:       artifact.StatusPending,
		ArtifactType: &taskType,
		ArtifactID:   &artifactID,
		Platform:     platform,
	}
	if err := s.insertAndEnqueue(ctx, row, &dispatch.Job{
		RequestID:     requestID,
		TaskType:      string(taskType),
		Prompt:        promptPayload(&req.PromptData),
		Language:      language,
		Options:       req.LLMConfig.toJob(),
		WorkItemID:    req.WorkItemID,
		ParentBoardID: req.ParentBoardID,
		TypeTest:      req.TypeTest,
		ArtifactID:    &artifactID,
		ProjectID:     existing.ProjectID,
		Platform:      string(platform),
	}); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, queued(requestID))
}

func (s *Server) handleStatus(c echo.Context) error {
	requestID := c.Param("request_id")
	row, err := s.store.GetRequest(c.Request().Context(), requestID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	}
	if err != nil {
		s.log.Error(c.Request().Context(), "load request status", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	return c.JSON(http.StatusOK, StatusResponse{
		RequestID:    row.RequestID,
		ProjectID:    row.ProjectID,
		Parent:       row.Parent,
		TaskType:     row.TaskType,
		Status:       row.Status,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    row.CreatedAt,
		ProcessedAt:  row.ProcessedAt,
		ArtifactType: row.ArtifactType,
		ArtifactID:   row.ArtifactID,
		Platform:     row.Platform,
	})
}

// commonFields validates the fields shared by every intake route. Platform
// defaults to azure, language to the configured default.
func (s *Server) commonFields(platform, language string, prompt *PromptData, opts *LLMOptions) (artifact.Platform, string, *echo.HTTPError) {
	if err := prompt.validate(); err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := opts.validate(); err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := artifact.ParsePlatform(platform)
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if p == "" {
		p = artifact.PlatformAzure
	}
	lang, err := artifact.ParseLanguage(language)
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return p, lang, nil
}

// insertAndEnqueue records the pending request, then hands the job to the
// queue. A duplicate request id maps to 409, a broker outage to 500.
func (s *Server) insertAndEnqueue(ctx context.Context, row *artifact.Request, job *dispatch.Job) error {
	if err := s.store.InsertRequest(ctx, row); err != nil {
		if errors.Is(err, store.ErrConstraint) {
			return echo.NewHTTPError(http.StatusConflict, "request already exists")
		}
		s.log.Error(ctx, "insert request", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.log.Error(ctx, "enqueue job",
			zap.String("request_id", row.RequestID),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue request")
	}
	s.log.Info(ctx, "request queued",
		zap.String("request_id", row.RequestID),
		zap.String("task_type", string(row.TaskType)))
	return nil
}

func promptPayload(p *PromptData) dispatch.Prompt {
	return dispatch.Prompt{
		System:    p.System,
		User:      p.User,
		Assistant: p.Assistant,
		UserInput: p.UserInput,
	}
}

func queued(requestID string) QueuedResponse {
	return QueuedResponse{
		RequestID: requestID,
		Response:  map[string]string{"status": "queued"},
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.log.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
