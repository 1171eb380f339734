package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// ProductRepository implements domain.ProductRepository using SQLite.
type ProductRepository struct {
	db *sql.DB
}

// Compile-time check: ProductRepository implements the domain port.
var _ domain.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository wraps a migrated database connection.
func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) Create(ctx context.Context, p domain.Product) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO products (id, name, description, version, author, price_cents, renewal_days, file_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Version, p.Author, p.PriceCents, p.RenewalDays, p.FileKey,
		p.CreatedAt.Format(timeFormat), p.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting product: %w", err)
	}
	return nil
}

func (r *ProductRepository) GetByID(ctx context.Context, id string) (domain.Product, error) {
	return r.scan(r.db.QueryRowContext(ctx,
		`SELECT id, name, description, version, author, price_cents, renewal_days, file_key, created_at, updated_at
		 FROM products WHERE id = ?`, id,
	))
}

func (r *ProductRepository) List(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	query := `SELECT id, name, description, version, author, price_cents, renewal_days, file_key, created_at, updated_at FROM products`
	var args []any

	if filter.Author != "" {
		query += ` WHERE author = ?`
		args = append(args, filter.Author)
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	return products, rows.Err()
}

func (r *ProductRepository) Update(ctx context.Context, p domain.Product) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE products SET name = ?, description = ?, version = ?, author = ?, price_cents = ?, renewal_days = ?, file_key = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Description, p.Version, p.Author, p.PriceCents, p.RenewalDays, p.FileKey,
		time.Now().UTC().Format(timeFormat), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating product: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrProductNotFound
	}

	return nil
}

func (r *ProductRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting product: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrProductNotFound
	}

	return nil
}

func (r *ProductRepository) scan(row scanner) (domain.Product, error) {
	var p domain.Product
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Version, &p.Author,
		&p.PriceCents, &p.RenewalDays, &p.FileKey, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("scanning product: %w", err)
	}

	p.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	p.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	return p, nil
}
