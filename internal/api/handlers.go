// Package api implements the coordinator's HTTP frontend: the private
// worker-backed chat endpoints, the public upstream-forwarded ones, and the
// model catalogs.
package api

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/infermux/infermux/internal/common/config"
	apperrors "github.com/infermux/infermux/internal/common/errors"
	"github.com/infermux/infermux/internal/common/logger"
	"github.com/infermux/infermux/internal/events/bus"
	"github.com/infermux/infermux/internal/forwarder"
	"github.com/infermux/infermux/internal/link"
	"github.com/infermux/infermux/internal/store"
	v1 "github.com/infermux/infermux/pkg/api/v1"
	"github.com/infermux/infermux/pkg/wire"
)

// RouteStore resolves namespaces to their persisted routing records.
type RouteStore interface {
	GetClientByNamespace(ctx context.Context, namespace string) (*store.Client, error)
	GetPublicClients(ctx context.Context) ([]*store.Client, error)
}

// Handler serves the coordinator's HTTP endpoints.
type Handler struct {
	registry  *link.Registry
	store     RouteStore
	forwarder *forwarder.Client
	eventBus  bus.EventBus
	linkCfg   config.LinkConfig
	logger    *logger.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(registry *link.Registry, st RouteStore, fw *forwarder.Client, eventBus bus.EventBus, linkCfg config.LinkConfig, log *logger.Logger) *Handler {
	return &Handler{
		registry:  registry,
		store:     st,
		forwarder: fw,
		eventBus:  eventBus,
		linkCfg:   linkCfg,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// SetupRoutes registers all API routes.
func SetupRoutes(router *gin.Engine, h *Handler) {
	router.POST("/v1/chat/completions", h.ChatCompletions)
	router.GET("/v1/models/:namespace", h.NamespaceModels)
	router.POST("/v2/chat/completions", h.PublicChatCompletions)
	router.GET("/v2/models", h.PublicModels)
	router.GET("/health", h.HealthCheck)
}

// parseChatRequest binds and validates the shared parts of both chat
// endpoints: a streaming request with a namespace-prefixed model name that
// the store knows about.
func (h *Handler) parseChatRequest(c *gin.Context) (req v1.ChatCompletionRequest, namespace, modelName string, client *store.Client, ok bool) {
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "invalid request body: %v", err)
		return req, "", "", nil, false
	}
	if !req.Stream {
		c.String(http.StatusBadRequest, "non-stream not supported currently")
		return req, "", "", nil, false
	}

	namespace, modelName, found := strings.Cut(req.Model, ":")
	if !found || namespace == "" || modelName == "" {
		c.String(http.StatusBadRequest, "invalid model: %s", req.Model)
		return req, "", "", nil, false
	}

	client, err := h.store.GetClientByNamespace(c.Request.Context(), namespace)
	if err != nil {
		// Route resolution failures render as plain text, before any stream.
		c.String(apperrors.GetHTTPStatus(err), "%s", errorMessage(err))
		return req, "", "", nil, false
	}
	if !client.HasModel(modelName) {
		c.String(http.StatusBadRequest, "model not found: %s", modelName)
		return req, "", "", nil, false
	}
	return req, namespace, modelName, client, true
}

// ChatCompletions handles POST /v1/chat/completions: a worker-backed
// streaming completion.
func (h *Handler) ChatCompletions(c *gin.Context) {
	req, namespace, modelName, _, ok := h.parseChatRequest(c)
	if !ok {
		return
	}

	taskID := newTaskID(namespace)
	log := h.logger.WithNamespace(namespace).WithTaskID(taskID)
	log.Info("received inference request", zap.String("model", modelName))

	out := make(chan link.Result, h.linkCfg.UserChannelSize)

	session := h.registry.Lookup(namespace)
	if session == nil {
		out <- link.Result{Err: apperrors.NotFound(fmt.Sprintf(
			"worker with namespace '%s' not found for task '%s'", namespace, taskID))}
		close(out)
		streamResults(c, modelName, out)
		return
	}

	task := link.NewTask(taskID, h.linkCfg.TaskInboxSize)
	if err := session.Dispatcher().Insert(task); err != nil {
		// Defensive: a uuid collision should not happen; the caller retries.
		c.String(http.StatusInternalServerError, "%s", err.Error())
		return
	}

	supervisor := link.NewSupervisor(session, task, out, h.logger)
	go supervisor.Run(c.Request.Context())

	workerReq := req
	workerReq.Model = modelName
	if err := session.SendRequest(wire.NewRequestFrame(taskID, &workerReq), h.linkCfg.SendTimeoutDuration()); err != nil {
		log.Error("failed to queue request to worker", zap.Error(err))
		// Route the failure through the inbox so the supervisor evicts the
		// dispatcher entry and surfaces the error on the stream.
		select {
		case task.Inbox <- link.Delivery{Err: err}:
		default:
		}
		streamResults(c, modelName, out)
		return
	}

	h.publishTaskEvent(c, bus.SubjectTaskStarted, namespace, taskID)
	streamResults(c, modelName, out)
	h.publishTaskEvent(c, bus.SubjectTaskFinished, namespace, taskID)
}

// NamespaceModels handles GET /v1/models/:namespace: a one-shot task asking
// the worker for its model catalog.
func (h *Handler) NamespaceModels(c *gin.Context) {
	namespace := c.Param("namespace")
	h.logger.Info("listing models for namespace", zap.String("namespace", namespace))

	session := h.registry.Lookup(namespace)
	if session == nil {
		h.respondError(c, apperrors.NotFound(fmt.Sprintf(
			"worker with namespace '%s' not found", namespace)))
		return
	}

	taskID := newTaskID(namespace)
	task := link.NewTask(taskID, 1)
	if err := session.Dispatcher().Insert(task); err != nil {
		h.respondError(c, err)
		return
	}
	defer func() {
		task.Finish()
		session.Dispatcher().Remove(taskID, task)
	}()

	if err := session.SendRequest(wire.NewModelsCommand(taskID), h.linkCfg.SendTimeoutDuration()); err != nil {
		h.respondError(c, err)
		return
	}

	timer := time.NewTimer(h.linkCfg.InactivityTimeoutDuration())
	defer timer.Stop()

	select {
	case delivery := <-task.Inbox:
		if delivery.Err != nil {
			h.respondError(c, delivery.Err)
			return
		}
		if delivery.Frame == nil || delivery.Frame.Models == nil {
			h.respondError(c, apperrors.InternalError("unexpected payload in models response", nil))
			return
		}
		models := make([]v1.ModelInfo, 0, len(delivery.Frame.Models.SupportedModels))
		for _, m := range delivery.Frame.Models.SupportedModels {
			models = append(models, v1.ModelInfo{
				Model:         m.ID,
				Type:          m.Type,
				BackendEngine: m.BackendEngine,
			})
		}
		c.JSON(http.StatusOK, v1.ModelsResponse{Models: models})

	case <-timer.C:
		h.respondError(c, apperrors.DeadlineExceeded(fmt.Sprintf(
			"worker '%s' did not answer the model listing", namespace)))

	case <-c.Request.Context().Done():
	}
}

// PublicChatCompletions handles POST /v2/chat/completions: a completion
// streamed from a configured upstream endpoint.
func (h *Handler) PublicChatCompletions(c *gin.Context) {
	req, namespace, modelName, client, ok := h.parseChatRequest(c)
	if !ok {
		return
	}

	var apiKey string
	if len(client.APIKeys) > 0 {
		apiKey = client.APIKeys[rand.IntN(len(client.APIKeys))]
	}
	h.logger.Info("forwarding to upstream",
		zap.String("namespace", namespace),
		zap.String("model", modelName))

	ctx := c.Request.Context()
	out := make(chan link.Result, h.linkCfg.UserChannelSize)

	go func() {
		defer close(out)

		emit := func(text string) bool {
			select {
			case out <- link.Result{Text: text}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		up := forwarder.Upstream{
			APIBase: client.APIBase,
			APIKey:  apiKey,
			Model:   modelName,
		}
		if err := h.forwarder.StreamChatCompletions(ctx, up, &req, emit); err != nil {
			h.logger.Error("upstream streaming failed",
				zap.String("namespace", namespace), zap.Error(err))
			select {
			case out <- link.Result{Err: apperrors.Unavailable(fmt.Sprintf(
				"upstream '%s' failed: %v", namespace, err))}:
			default:
			}
			return
		}
		select {
		case out <- link.Result{Done: true}:
		case <-ctx.Done():
		}
	}()

	streamResults(c, modelName, out)
}

// PublicModels handles GET /v2/models: the catalog of all public namespaces.
func (h *Handler) PublicModels(c *gin.Context) {
	clients, err := h.store.GetPublicClients(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	data := make([]v1.CatalogEntry, 0)
	for _, client := range clients {
		for _, name := range client.ModelNames {
			data = append(data, v1.CatalogEntry{
				ID:      name,
				Object:  "model",
				Created: 0,
				OwnedBy: client.Namespace,
			})
		}
	}
	c.JSON(http.StatusOK, v1.CatalogResponse{Object: "list", Data: data})
}

// HealthCheck reports liveness and the number of connected workers.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"workers": h.registry.Len(),
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), v1.ErrorResponse{Error: errorMessage(err)})
}

func errorMessage(err error) string {
	if appErr, ok := err.(*apperrors.AppError); ok {
		return appErr.Message
	}
	return err.Error()
}

func (h *Handler) publishTaskEvent(c *gin.Context, subject, namespace, taskID string) {
	if h.eventBus == nil {
		return
	}
	h.eventBus.Publish(c.Request.Context(), subject,
		bus.NewEvent(subject, "coordinator", map[string]any{
			"namespace": namespace,
			"task_id":   taskID,
		}))
}

// newTaskID generates a task identifier unique within the namespace.
func newTaskID(namespace string) string {
	return fmt.Sprintf("%s-%s", namespace, uuid.New().String())
}
