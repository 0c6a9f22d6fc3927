package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"outfitapi/models"
	"outfitapi/outfits"
	"outfitapi/progress"
	"outfitapi/prompts"
	"outfitapi/scheduler"
	"outfitapi/services"
	"outfitapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/labstack/echo/v4"
)

// pacing for percent-only events on the push path
const ssePushInterval = 200 * time.Millisecond

type GenerateOutfitsIn struct {
	Mode             string   `json:"mode" validate:"required,oneof=occasion complete-look anchor-buy"`
	Occasions        []string `json:"occasions" validate:"omitempty,dive,max=100"`
	Anchors          []string `json:"anchor_item_ids" validate:"omitempty,dive,max=200"`
	PromptVersion    string   `json:"prompt_version" validate:"omitempty,max=50"`
	OutfitCount      int      `json:"outfit_count" validate:"omitempty,min=1,max=10"`
	IncludeReasoning bool     `json:"include_reasoning"`
	Streaming        bool     `json:"stream"`
	AlertWhenDone    bool     `json:"alert_when_done"`
	StyleWords       []string `json:"style_words" validate:"omitempty,dive,max=50"`
	WeatherCondition string   `json:"weather_condition" validate:"omitempty,max=100"`
	TemperatureRange string   `json:"temperature_range" validate:"omitempty,max=50"`
}

type SaveOutfitIn struct {
	Outfit        outfits.OutfitRecord `json:"outfit" validate:"required"`
	PromptVersion string               `json:"prompt_version" validate:"omitempty,max=50"`
}

type TaskCreatedResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type OutfitController struct {
	LLM         services.OutfitLLM
	Registry    *prompts.Registry
	Scheduler   *scheduler.Scheduler
	Catalog     services.CatalogProvider
	Profile     services.ProfileProvider
	FirebaseApp *firebase.App
}

func (controller *OutfitController) OutfitRoutes(g *echo.Group) {
	g.POST("/generate", controller.GenerateOutfits)
	g.POST("/generate/stream", controller.GenerateOutfitsStream)
	g.GET("/tasks/:taskId", controller.GetTaskStatus)
	g.GET("/tasks/:taskId/events", controller.StreamTaskEvents)
	g.POST("/save", controller.SaveOutfit)
}

// buildJob turns a validated request into a runnable job. Cross-field rules
// that struct tags cannot express live here.
func (controller *OutfitController) buildJob(req GenerateOutfitsIn, user models.UserAccount) (scheduler.GenerationJob, error) {
	if (req.Mode == prompts.ModeCompleteLook || req.Mode == prompts.ModeAnchorBuy) && len(req.Anchors) == 0 {
		return scheduler.GenerationJob{}, fmt.Errorf("mode %q requires at least one anchor item", req.Mode)
	}

	strategy, err := controller.Registry.Resolve(req.PromptVersion)
	if err != nil {
		return scheduler.GenerationJob{}, err
	}
	includeReasoning := req.IncludeReasoning && strategy.UsesReasoning()

	return scheduler.GenerationJob{
		UserID:        user.ID,
		PromptVersion: strategy.ID(),
		Strategy:      strategy,
		Input: prompts.RenderInput{
			StyleWords:       req.StyleWords,
			Anchors:          req.Anchors,
			Mode:             req.Mode,
			Occasions:        req.Occasions,
			WeatherCondition: req.WeatherCondition,
			TemperatureRange: req.TemperatureRange,
			OutfitCount:      req.OutfitCount,
		},
		IncludeReasoning: includeReasoning,
		Streaming:        req.Streaming,
		Alert:            req.AlertWhenDone,
	}, nil
}

// verifyAnchors checks every requested anchor against the caller's wardrobe.
// An outfit cannot be built around an item the user does not own.
func (controller *OutfitController) verifyAnchors(ctx context.Context, userID uint, anchors []string) error {
	if len(anchors) == 0 {
		return nil
	}
	items, err := controller.Catalog.ItemsForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading wardrobe: %w", err)
	}
	owned := make(map[string]bool, len(items))
	for _, item := range items {
		owned[strings.ToLower(item.Name)] = true
	}
	for _, anchor := range anchors {
		if !owned[strings.ToLower(anchor)] {
			return fmt.Errorf("anchor item %q is not in your wardrobe", anchor)
		}
	}
	return nil
}

func (controller *OutfitController) GenerateOutfits(c echo.Context) error {
	var req GenerateOutfitsIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	job, err := controller.buildJob(req, user)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := controller.verifyAnchors(c.Request().Context(), user.ID, req.Anchors); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	taskID, err := controller.Scheduler.Submit(job)
	if err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Generation queue is full, try again shortly"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, TaskCreatedResponse{TaskID: taskID, Status: string(scheduler.StateQueued)})
}

// loadOwnTask returns the snapshot only when it belongs to the caller. An
// existing task of another user looks exactly like a missing one.
func (controller *OutfitController) loadOwnTask(c echo.Context, user models.UserAccount) (scheduler.Snapshot, bool) {
	taskID := c.Param("taskId")
	snap, err := controller.Scheduler.Status(taskID)
	if err != nil || snap.UserID != user.ID {
		return scheduler.Snapshot{}, false
	}
	return snap, true
}

func (controller *OutfitController) GetTaskStatus(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	snap, ok := controller.loadOwnTask(c, user)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Task not found"})
	}
	return c.JSON(http.StatusOK, progress.StatusOf(snap))
}

func sseHeaders(c echo.Context) {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
}

func writeSSE(c echo.Context, ev scheduler.ProgressEvent) error {
	var payload any
	switch ev.Kind {
	case scheduler.EventProgress:
		payload = map[string]any{"percent": ev.Percent, "message": ev.Message}
	case scheduler.EventOutfit:
		payload = map[string]any{"outfit_number": ev.Index, "outfit": ev.Outfit}
	case scheduler.EventComplete:
		payload = map[string]any{"total": ev.Total}
	case scheduler.EventError:
		payload = map[string]any{"detail": ev.Detail}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// StreamTaskEvents replays the task's event log over SSE and follows it
// live until the terminal event.
func (controller *OutfitController) StreamTaskEvents(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	if _, ok := controller.loadOwnTask(c, user); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Task not found"})
	}

	events, err := controller.Scheduler.Subscribe(c.Request().Context(), c.Param("taskId"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Task not found"})
	}

	sseHeaders(c)
	publisher := progress.NewPublisher(ssePushInterval)
	for ev := range events {
		if !publisher.Forward(ev) {
			continue
		}
		if err := writeSSE(c, ev); err != nil {
			// client is gone, the task keeps running for poll and replay
			return nil
		}
	}
	return nil
}

// GenerateOutfitsStream runs generation inside the request and streams
// events directly. Disconnecting cancels the in-flight model call.
func (controller *OutfitController) GenerateOutfitsStream(c echo.Context) error {
	var req GenerateOutfitsIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	job, err := controller.buildJob(req, user)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := controller.verifyAnchors(c.Request().Context(), user.ID, req.Anchors); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	sseHeaders(c)
	streamer := progress.DirectStreamer{
		LLM:     controller.LLM,
		Catalog: controller.Catalog,
		Profile: controller.Profile,
	}
	publisher := progress.NewPublisher(ssePushInterval)
	err = streamer.Run(c.Request().Context(), job, func(ev scheduler.ProgressEvent) error {
		if !publisher.Forward(ev) {
			return nil
		}
		return writeSSE(c, ev)
	})
	if err != nil {
		fmt.Println("Direct stream ended early:", err)
	}
	return nil
}

func (controller *OutfitController) SaveOutfit(c echo.Context) error {
	var req SaveOutfitIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := req.Outfit.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	client, ok := c.Get("__asynqclient").(TaskEnqueuer)
	if !ok || client == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Queue connection error"})
	}

	task, err := tasks.NewSaveOutfitTask(user.ID, req.Outfit, req.PromptVersion)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if _, err := client.Enqueue(task); err != nil {
		fmt.Println("Failed to enqueue save outfit task:", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to enqueue save"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}
