package app

import (
	"context"
	"fmt"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// ProductService manages the product catalog.
type ProductService struct {
	repo domain.ProductRepository
}

// NewProductService creates a service backed by the given repository.
func NewProductService(repo domain.ProductRepository) *ProductService {
	return &ProductService{repo: repo}
}

// Create persists a new product.
func (s *ProductService) Create(ctx context.Context, name, description, version, author string, priceCents int64, renewalDays int, fileKey string) (domain.Product, error) {
	id, err := generateID()
	if err != nil {
		return domain.Product{}, fmt.Errorf("generating product id: %w", err)
	}

	product := domain.NewProduct(id, name, description, version, author, priceCents, renewalDays, fileKey)

	if err := s.repo.Create(ctx, product); err != nil {
		return domain.Product{}, fmt.Errorf("creating product: %w", err)
	}

	return product, nil
}

// GetByID returns a product by its unique identifier.
func (s *ProductService) GetByID(ctx context.Context, id string) (domain.Product, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns products matching the given filter.
func (s *ProductService) List(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	return s.repo.List(ctx, filter)
}

// Update replaces a product's mutable attributes.
func (s *ProductService) Update(ctx context.Context, p domain.Product) (domain.Product, error) {
	if err := s.repo.Update(ctx, p); err != nil {
		return domain.Product{}, err
	}
	return s.repo.GetByID(ctx, p.ID)
}

// Delete removes a product from the catalog. Entitlements referencing it
// are kept; they expire on their own terms.
func (s *ProductService) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}
