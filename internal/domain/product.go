package domain

import "time"

// Product is a purchasable digital product: a trading expert advisor
// delivered as a downloadable file behind a subscription.
type Product struct {
	ID          string
	Name        string
	Description string
	Version     string
	Author      string
	PriceCents  int64

	// RenewalDays is the billing term a successful payment grants.
	RenewalDays int

	// FileKey locates the deliverable in the object storage bucket.
	FileKey string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RenewalPeriod returns the product's billing term as a duration,
// falling back to the default 30-day term.
func (p Product) RenewalPeriod() time.Duration {
	if p.RenewalDays <= 0 {
		return DefaultRenewalPeriod
	}
	return time.Duration(p.RenewalDays) * 24 * time.Hour
}

// NewProduct creates a product with timestamps set.
func NewProduct(id, name, description, version, author string, priceCents int64, renewalDays int, fileKey string) Product {
	now := time.Now().UTC()
	return Product{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     version,
		Author:      author,
		PriceCents:  priceCents,
		RenewalDays: renewalDays,
		FileKey:     fileKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ProductFilter holds optional criteria for listing products.
type ProductFilter struct {
	Author string
	Limit  int
	Offset int
}
