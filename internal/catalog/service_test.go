package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	items      map[int64]Item
	nextID     int64
	referenced map[int64]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{items: make(map[int64]Item), referenced: make(map[int64]bool)}
}

func (r *memoryRepo) List(ctx context.Context, filters ListFilters) ([]Item, int, error) {
	var out []Item
	for _, it := range r.items {
		out = append(out, it)
	}
	return out, len(out), nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Item, error) {
	it, ok := r.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return it, nil
}

func (r *memoryRepo) GetByCode(ctx context.Context, code string) (Item, error) {
	for _, it := range r.items {
		if it.Code == code {
			return it, nil
		}
	}
	return Item{}, ErrItemNotFound
}

func (r *memoryRepo) Create(ctx context.Context, item Item) (Item, error) {
	for _, it := range r.items {
		if it.Code == item.Code {
			return Item{}, ErrDuplicateCode
		}
	}
	r.nextID++
	item.ID = r.nextID
	r.items[item.ID] = item
	return item, nil
}

func (r *memoryRepo) Update(ctx context.Context, id int64, item Item) error {
	if _, ok := r.items[id]; !ok {
		return ErrItemNotFound
	}
	item.ID = id
	r.items[id] = item
	return nil
}

func (r *memoryRepo) HasStockReferences(ctx context.Context, id int64) (bool, error) {
	return r.referenced[id], nil
}

func TestCreateValidatesRequiredFields(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, Item{Name: "Pakan Starter", UnitSmall: "kg"})
	require.Error(t, err)

	_, err = svc.Create(ctx, Item{Code: "PKN-001", Name: "Pakan Starter", UnitSmall: "kg", Conversion: -1})
	require.Error(t, err)

	item, err := svc.Create(ctx, Item{Code: "PKN-001", Name: "Pakan Starter", UnitSmall: "kg", UnitLarge: "karung", Conversion: 50})
	require.NoError(t, err)
	require.NotZero(t, item.ID)
}

func TestUpdateFreezesConversionOnceReferenced(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	item, err := svc.Create(ctx, Item{Code: "PKN-001", Name: "Pakan Starter", UnitSmall: "kg", Conversion: 50})
	require.NoError(t, err)

	repo.referenced[item.ID] = true

	item.Conversion = 25
	err = svc.Update(ctx, item.ID, item)
	require.ErrorIs(t, err, ErrItemReferenced)

	// Display metadata stays editable.
	item.Conversion = 50
	item.Name = "Pakan Starter Ayam"
	require.NoError(t, svc.Update(ctx, item.ID, item))
}

func TestGetServesFromCacheAfterFirstHit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(client, time.Minute)

	repo := newMemoryRepo()
	svc := NewService(repo, cache)
	ctx := context.Background()

	item, err := svc.Create(ctx, Item{Code: "VIT-001", Name: "Vitamin", UnitSmall: "ml", Conversion: 1000})
	require.NoError(t, err)

	got, err := svc.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, item.Code, got.Code)

	// Remove the row behind the cache's back: cached copy still answers.
	delete(repo.items, item.ID)
	got, err = svc.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, item.Code, got.Code)

	cache.Invalidate(ctx, item.ID)
	_, err = svc.Get(ctx, item.ID)
	require.ErrorIs(t, err, ErrItemNotFound)
}
