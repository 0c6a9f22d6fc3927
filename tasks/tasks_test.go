package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outfitapi/dbhelper"
	"outfitapi/models"
	"outfitapi/outfits"
	"outfitapi/test"
)

func sampleRecord() outfits.OutfitRecord {
	return outfits.OutfitRecord{
		Items: []outfits.ItemRef{
			{Name: "White Oxford Shirt", Category: "top"},
			{Name: "Dark Jeans", Category: "bottom"},
		},
		StylingTip: "Tuck the shirt in.",
		Rationale:  "Clean neutrals.",
	}
}

func TestNewSaveOutfitTask(t *testing.T) {
	task, err := NewSaveOutfitTask(7, sampleRecord(), "v2-reasoning")

	require.NoError(t, err)
	assert.Equal(t, TypeSaveOutfit, task.Type())

	var payload SaveOutfitPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, uint(7), payload.UserID)
	assert.Equal(t, "v2-reasoning", payload.PromptVersion)
	assert.Equal(t, "White Oxford Shirt", payload.Outfit.Items[0].Name)
}

func TestHandleSaveOutfitTaskPersists(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	cleaner()
	t.Cleanup(cleaner)
	user := test.FakeUser(db)

	task, err := NewSaveOutfitTask(user.ID, sampleRecord(), "v2-reasoning")
	require.NoError(t, err)

	require.NoError(t, HandleSaveOutfitTask(context.Background(), task, db))

	var saved models.SavedOutfit
	require.NoError(t, db.Where("user_account_id = ?", user.ID).First(&saved).Error)
	assert.Equal(t, []string{"White Oxford Shirt", "Dark Jeans"}, []string(saved.ItemNames))
	assert.Equal(t, "Tuck the shirt in.", saved.StylingTip)
	assert.Equal(t, "v2-reasoning", saved.PromptVersion)
	assert.Contains(t, saved.ItemsJSON, `"category":"bottom"`)
}

func TestHandleSaveOutfitTaskBadPayload(t *testing.T) {
	db := dbhelper.SetupTestDB()

	err := HandleSaveOutfitTask(context.Background(), asynq.NewTask(TypeSaveOutfit, []byte("not json")), db)

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleSaveOutfitTaskInvalidOutfit(t *testing.T) {
	db := dbhelper.SetupTestDB()

	record := sampleRecord()
	record.StylingTip = ""
	task, err := NewSaveOutfitTask(3, record, "v1-direct")
	require.NoError(t, err)

	err = HandleSaveOutfitTask(context.Background(), task, db)

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
