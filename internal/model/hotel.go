package model

import "time"

type Hotel struct {
	ID              int64     `json:"id"`
	Supplier        string    `json:"supplier"`
	SupplierHotelID string    `json:"supplier_hotel_id"`
	Name            string    `json:"name"`
	City            string    `json:"city"`
	Country         string    `json:"country"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	StarRating      float64   `json:"star_rating"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type HotelMapping struct {
	ID              int64     `json:"id"`
	CanonicalID     string    `json:"canonical_id"`
	Supplier        string    `json:"supplier"`
	SupplierHotelID string    `json:"supplier_hotel_id"`
	Confidence      float64   `json:"confidence"`
	Verified        bool      `json:"verified"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SupplierSummary is derived per supplier at export time, never stored.
type SupplierSummary struct {
	Supplier      string     `json:"supplier"`
	HotelCount    int64      `json:"hotel_count"`
	MappedCount   int64      `json:"mapped_count"`
	AvgStarRating float64    `json:"avg_star_rating"`
	LastUpdated   *time.Time `json:"last_updated,omitempty"`
}
