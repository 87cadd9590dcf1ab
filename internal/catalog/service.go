package catalog

import (
	"context"
	"errors"
	"strings"
)

// Service coordinates item master operations.
type Service struct {
	repo  Repository
	cache *Cache
}

// NewService builds Service. The cache may be nil.
func NewService(repo Repository, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

func (s *Service) List(ctx context.Context, filters ListFilters) ([]Item, int, error) {
	return s.repo.List(ctx, filters)
}

// Get resolves an item, serving master data from cache when possible.
func (s *Service) Get(ctx context.Context, id int64) (Item, error) {
	if id <= 0 {
		return Item{}, errors.New("catalog: invalid item id")
	}
	if item, ok := s.cache.GetItem(ctx, id); ok {
		return item, nil
	}
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	s.cache.SetItem(ctx, item)
	return item, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (Item, error) {
	if strings.TrimSpace(code) == "" {
		return Item{}, errors.New("catalog: item code required")
	}
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) Create(ctx context.Context, item Item) (Item, error) {
	if err := s.validate(item); err != nil {
		return Item{}, err
	}
	return s.repo.Create(ctx, item)
}

// Update changes an item. Once stock transactions reference the item
// the conversion factor is frozen; only display metadata may change.
func (s *Service) Update(ctx context.Context, id int64, item Item) error {
	if id <= 0 {
		return errors.New("catalog: invalid item id")
	}
	if err := s.validate(item); err != nil {
		return err
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Conversion != current.Conversion {
		referenced, err := s.repo.HasStockReferences(ctx, id)
		if err != nil {
			return err
		}
		if referenced {
			return ErrItemReferenced
		}
	}
	if err := s.repo.Update(ctx, id, item); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, id)
	return nil
}

func (s *Service) validate(item Item) error {
	if strings.TrimSpace(item.Code) == "" {
		return errors.New("catalog: item code is required")
	}
	if strings.TrimSpace(item.Name) == "" {
		return errors.New("catalog: item name is required")
	}
	if strings.TrimSpace(item.UnitSmall) == "" {
		return errors.New("catalog: small unit is required")
	}
	if item.Conversion < 0 {
		return errors.New("catalog: conversion must not be negative")
	}
	return nil
}
