package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"outfitapi/models"

	"github.com/dgraph-io/ristretto"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"gorm.io/gorm"
)

// generation tasks of the same user within this window see one catalog read
const catalogCacheTTL = 30 * time.Second

// CatalogProvider supplies the wearable items a generation task may
// combine.
type CatalogProvider interface {
	ItemsForUser(ctx context.Context, userID uint) ([]models.WardrobeItem, error)
}

// ProfileProvider supplies the user's style words for prompt rendering.
type ProfileProvider interface {
	StyleWordsForUser(ctx context.Context, userID uint) ([]string, error)
}

type DBCatalogProvider struct {
	DB *gorm.DB
}

func (p DBCatalogProvider) ItemsForUser(ctx context.Context, userID uint) ([]models.WardrobeItem, error) {
	var items []models.WardrobeItem
	result := p.DB.WithContext(ctx).Where(
		"owner_id = ? and status = ?", userID, "in_closet",
	).Order("id").Find(&items)
	if result.Error != nil {
		return nil, result.Error
	}
	return items, nil
}

type DBProfileProvider struct {
	DB *gorm.DB
}

func (p DBProfileProvider) StyleWordsForUser(ctx context.Context, userID uint) ([]string, error) {
	var profile models.StyleProfile
	result := p.DB.WithContext(ctx).Where("user_account_id = ?", userID).First(&profile)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return profile.StyleWords, nil
}

// CachedCatalogProvider puts a short-lived Loadable Ristretto cache in
// front of another provider. The task pipeline reads the catalog once per
// attempt, so a burst of retries or parallel tasks for the same user does
// not hammer the database.
type CachedCatalogProvider struct {
	cache *cache.LoadableCache[[]models.WardrobeItem]
}

func NewCachedCatalogProvider(inner CatalogProvider) (*CachedCatalogProvider, error) {
	ristrettoCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26, // 64MB
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	ristrettoStore := ristretto_store.NewRistretto(ristrettoCache)

	loadFunction := func(ctx context.Context, key any) ([]models.WardrobeItem, []store.Option, error) {
		userID, ok := key.(uint)
		if !ok {
			return nil, nil, fmt.Errorf("invalid key type provided to catalog cache: expected uint, got %T", key)
		}
		log.Printf("CACHE MISS for user catalog: %d", userID)
		items, err := inner.ItemsForUser(ctx, userID)
		return items, []store.Option{store.WithExpiration(catalogCacheTTL)}, err
	}

	loadableCache := cache.NewLoadable[[]models.WardrobeItem](
		loadFunction,
		cache.New[[]models.WardrobeItem](ristrettoStore),
	)
	return &CachedCatalogProvider{cache: loadableCache}, nil
}

func (p *CachedCatalogProvider) ItemsForUser(ctx context.Context, userID uint) ([]models.WardrobeItem, error) {
	return p.cache.Get(ctx, userID)
}
