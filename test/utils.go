package test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"outfitapi/models"
	"outfitapi/services"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

func JsonString(model interface{}) string {
	bytes, _ := json.Marshal(model)
	return string(bytes)
}

func NewJSONRequest(method string, target string, param interface{}) *http.Request {

	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

func GenerateUserToken(userPk string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userPk,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * 72)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	t, err := token.SignedString([]byte(os.Getenv("JWT_SECRET")))
	if err != nil {
		log.Fatalf("Error when signing user token for %s. Error %s ", userPk, err)
	}
	return t
}

func NewJSONAuthRequest(method string, target string, userPk string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateUserToken(userPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func NewJSONAuthRequestRaw(method string, target string, userPk string, json string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(json))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateUserToken(userPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func NewRefString(data string) *string {
	return &data
}

func FakeUser(db *gorm.DB) *models.UserAccount {
	user := &models.UserAccount{
		Name:     "OurName",
		Email:    "email@example.com",
		Platform: models.PlatformIOS,
		LastIp:   "123.122.122.122",
		Status:   "FINISHED_AUTH",
	}
	db.Create(&user)

	tokenDb := models.UserPushToken{
		UserAccountID: user.ID,
		Platform:      "android",
		Token:         "cX-UZ3zwQEiPt-2GJkG2gA:APA91bGqRflaGrJrnynhRwZ442HdgUjVcO7mWMFnx6IwAdJ9RRKopvSP4QU7hbvTmk1XAp8XGvtHZLvo5JmOPTVKBbGqqvhfbZWKlXA9csEjx1hgpNvrWepU",
		Active:        true,
	}
	db.Save(&tokenDb)
	return user
}

func FakeUserV2(db *gorm.DB, userName string, email string) *models.UserAccount {
	if email == "" {
		email = "email@example.com"
	}
	user := &models.UserAccount{
		Name:     userName,
		Email:    email,
		Platform: models.PlatformIOS,
		LastIp:   "123.122.122.122",
		Status:   "FINISHED_AUTH",
	}
	db.Create(&user)
	return user
}

// FakeWardrobe fills the user's closet with a small cross-category set.
func FakeWardrobe(db *gorm.DB, user *models.UserAccount) []models.WardrobeItem {
	items := []models.WardrobeItem{
		{Name: "White Oxford Shirt", Category: "top", Color: NewRefString("white"), OwnerID: user.ID, Status: "in_closet"},
		{Name: "Dark Jeans", Category: "bottom", Color: NewRefString("indigo"), OwnerID: user.ID, Status: "in_closet"},
		{Name: "Camel Overcoat", Category: "outerwear", OwnerID: user.ID, Status: "in_closet"},
		{Name: "White Sneakers", Category: "shoes", OwnerID: user.ID, Status: "in_closet"},
		{Name: "Leather Belt", Category: "accessory", OwnerID: user.ID, Status: "in_closet"},
	}
	for i := range items {
		db.Create(&items[i])
	}
	return items
}

func FakeStyleProfile(db *gorm.DB, user *models.UserAccount, words ...string) *models.StyleProfile {
	if len(words) == 0 {
		words = []string{"minimal", "classic"}
	}
	profile := &models.StyleProfile{
		UserAccountID: user.ID,
		StyleWords:    pq.StringArray(words),
	}
	db.Create(profile)
	return profile
}

// MockOutfitLLM serves scripted responses. BatchText feeds the batch call;
// StreamChunks, when set, feeds the streaming call chunk by chunk. FailCount
// makes the first N calls fail with FailErr before succeeding.
type MockOutfitLLM struct {
	BatchText    string
	StreamChunks []string
	FailCount    int
	FailErr      error

	Calls int
}

func (m *MockOutfitLLM) failNext() error {
	if m.FailCount > 0 {
		m.FailCount--
		if m.FailErr != nil {
			return m.FailErr
		}
		return &services.ProviderError{Retryable: true, Cause: fmt.Errorf("unavailable")}
	}
	return nil
}

func (m *MockOutfitLLM) GenerateOutfits(ctx context.Context, prompt, system string, maxTokens int32) (*services.LLMResponse, error) {
	m.Calls++
	if err := m.failNext(); err != nil {
		return nil, err
	}
	return &services.LLMResponse{
		Response:         m.BatchText,
		InputTokenCount:  10,
		OutputTokenCount: 13,
		TotalTokenCount:  23,
		IsTest:           true,
	}, nil
}

func (m *MockOutfitLLM) GenerateOutfitsStream(ctx context.Context, prompt, system string, maxTokens int32) (<-chan services.StreamChunk, error) {
	m.Calls++
	if err := m.failNext(); err != nil {
		return nil, err
	}
	chunks := m.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{m.BatchText}
	}
	ch := make(chan services.StreamChunk)
	go func() {
		defer close(ch)
		for _, text := range chunks {
			select {
			case ch <- services.StreamChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// SampleBatchAnswer is a two outfit response in the reasoning format.
const SampleBatchAnswer = "The wardrobe leans minimal, so neutrals first.\n" +
	"---OUTFITS---\n" + `[
  {
    "items": [
      {"name": "White Oxford Shirt", "category": "top"},
      {"name": "Dark Jeans", "category": "bottom"},
      {"name": "White Sneakers", "category": "shoes"}
    ],
    "styling_tip": "Tuck the shirt in and cuff the jeans once.",
    "rationale": "Clean neutrals carry the look.",
    "confidence": 0.9
  },
  {
    "items": [
      {"name": "Camel Overcoat", "category": "outerwear"},
      {"name": "Dark Jeans", "category": "bottom"}
    ],
    "styling_tip": "Wear the coat open over a plain tee."
  }
]`
