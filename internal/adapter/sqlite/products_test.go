package sqlite_test

import (
	"context"
	"errors"
	"testing"

	"github.com/neomorfeo/entitleiq/internal/adapter/sqlite"
	"github.com/neomorfeo/entitleiq/internal/domain"
)

func newTestProducts(t *testing.T) *sqlite.ProductRepository {
	t.Helper()
	return sqlite.NewProductRepository(newTestDB(t))
}

func mustCreateProduct(t *testing.T, repo *sqlite.ProductRepository, p domain.Product) {
	t.Helper()
	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("creating product: %v", err)
	}
}

func TestProductCreate_And_GetByID(t *testing.T) {
	repo := newTestProducts(t)

	p := domain.NewProduct("p-1", "Trend Rider", "Breakout follower", "2.1", "jdoe", 4900, 30, "ea/trend-rider-2.1.ex5")
	mustCreateProduct(t, repo, p)

	got, err := repo.GetByID(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	if got.Name != "Trend Rider" {
		t.Errorf("Name = %q, want %q", got.Name, "Trend Rider")
	}
	if got.PriceCents != 4900 {
		t.Errorf("PriceCents = %d, want 4900", got.PriceCents)
	}
	if got.RenewalDays != 30 {
		t.Errorf("RenewalDays = %d, want 30", got.RenewalDays)
	}
	if got.FileKey != "ea/trend-rider-2.1.ex5" {
		t.Errorf("FileKey = %q, want %q", got.FileKey, "ea/trend-rider-2.1.ex5")
	}
}

func TestProductGetByID_NotFound(t *testing.T) {
	repo := newTestProducts(t)

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
}

func TestProductList_FilterByAuthor(t *testing.T) {
	repo := newTestProducts(t)

	mustCreateProduct(t, repo, domain.NewProduct("p-1", "A", "", "1.0", "alice", 1000, 30, ""))
	mustCreateProduct(t, repo, domain.NewProduct("p-2", "B", "", "1.0", "bob", 1000, 30, ""))
	mustCreateProduct(t, repo, domain.NewProduct("p-3", "C", "", "1.0", "alice", 1000, 30, ""))

	list, err := repo.List(context.Background(), domain.ProductFilter{Author: "alice"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d products, want 2", len(list))
	}
	for _, p := range list {
		if p.Author != "alice" {
			t.Errorf("Author = %q, want %q", p.Author, "alice")
		}
	}
}

func TestProductList_Limit(t *testing.T) {
	repo := newTestProducts(t)

	mustCreateProduct(t, repo, domain.NewProduct("p-1", "A", "", "1.0", "alice", 1000, 30, ""))
	mustCreateProduct(t, repo, domain.NewProduct("p-2", "B", "", "1.0", "alice", 1000, 30, ""))

	list, err := repo.List(context.Background(), domain.ProductFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d products, want 1", len(list))
	}
}

func TestProductUpdate(t *testing.T) {
	repo := newTestProducts(t)

	p := domain.NewProduct("p-1", "Old Name", "", "1.0", "alice", 1000, 30, "")
	mustCreateProduct(t, repo, p)

	p.Name = "New Name"
	p.PriceCents = 2500
	if err := repo.Update(context.Background(), p); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := repo.GetByID(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Name != "New Name" {
		t.Errorf("Name = %q, want %q", got.Name, "New Name")
	}
	if got.PriceCents != 2500 {
		t.Errorf("PriceCents = %d, want 2500", got.PriceCents)
	}
}

func TestProductUpdate_NotFound(t *testing.T) {
	repo := newTestProducts(t)

	err := repo.Update(context.Background(), domain.NewProduct("ghost", "X", "", "", "", 0, 30, ""))
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound, got %v", err)
	}
}

func TestProductDelete(t *testing.T) {
	repo := newTestProducts(t)

	mustCreateProduct(t, repo, domain.NewProduct("p-1", "A", "", "1.0", "alice", 1000, 30, ""))

	if err := repo.Delete(context.Background(), "p-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.GetByID(context.Background(), "p-1"); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("expected ErrProductNotFound after delete, got %v", err)
	}

	if err := repo.Delete(context.Background(), "p-1"); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("double delete: expected ErrProductNotFound, got %v", err)
	}
}
