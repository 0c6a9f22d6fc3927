package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"outfitapi/models"
	"outfitapi/outfits"
	"outfitapi/services"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

const TypeSaveOutfit = "outfits:save"

type SaveOutfitPayload struct {
	UserID        uint                 `json:"user_id"`
	Outfit        outfits.OutfitRecord `json:"outfit"`
	PromptVersion string               `json:"prompt_version"`
}

// Client initializes an asynq client for enqueuing tasks
func NewClient() (*asynq.Client, error) {
	return asynq.NewClient(asynq.RedisClientOpt{Addr: services.GetEnv("ASYNC_BROKER_ADDRESS", "localhost:6379")}), nil
}

// NewSaveOutfitTask enqueues persistence of an outfit the user kept.
// Saving happens off the request path, the API only acknowledges the
// enqueue.
func NewSaveOutfitTask(userID uint, record outfits.OutfitRecord, promptVersion string) (*asynq.Task, error) {
	payload, err := json.Marshal(SaveOutfitPayload{
		UserID:        userID,
		Outfit:        record,
		PromptVersion: promptVersion,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSaveOutfit, payload), nil
}

func HandleSaveOutfitTask(ctx context.Context, t *asynq.Task, db *gorm.DB) error {
	var payload SaveOutfitPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		sentry.CaptureException(fmt.Errorf("[Save outfit] bad payload: %w", err))
		return fmt.Errorf("bad save outfit payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Outfit.Validate(); err != nil {
		sentry.CaptureException(fmt.Errorf("[Save outfit] invalid outfit for user %d: %w", payload.UserID, err))
		return fmt.Errorf("invalid outfit: %v: %w", err, asynq.SkipRetry)
	}

	var names pq.StringArray
	for _, item := range payload.Outfit.Items {
		names = append(names, item.Name)
	}
	itemsJSON, err := json.Marshal(payload.Outfit.Items)
	if err != nil {
		return err
	}

	saved := models.SavedOutfit{
		UserAccountID: payload.UserID,
		ItemNames:     names,
		ItemsJSON:     string(itemsJSON),
		StylingTip:    payload.Outfit.StylingTip,
		Rationale:     payload.Outfit.Rationale,
		PromptVersion: payload.PromptVersion,
	}
	if result := db.WithContext(ctx).Create(&saved); result.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Save outfit] db error for user %d: %w", payload.UserID, result.Error))
		return result.Error
	}
	fmt.Printf("[Save outfit] saved outfit %d for user %d\n", saved.ID, payload.UserID)
	return nil
}
