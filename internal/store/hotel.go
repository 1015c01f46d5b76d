package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stayware/lodgemap/internal/model"
)

// HotelStore reads the hotel and mapping tables that exports are built
// from. Methods take a context because export workers run these scans
// under a per-job deadline.
type HotelStore struct {
	db *sql.DB
}

func NewHotelStore(db *sql.DB) *HotelStore {
	return &HotelStore{db: db}
}

// HotelFilter narrows a hotels export. Zero values mean no constraint.
type HotelFilter struct {
	Supplier      string
	Country       string
	City          string
	MinStarRating float64
}

func (f HotelFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Supplier != "" {
		conds = append(conds, "supplier = ?")
		args = append(args, f.Supplier)
	}
	if f.Country != "" {
		conds = append(conds, "country = ?")
		args = append(args, f.Country)
	}
	if f.City != "" {
		conds = append(conds, "city = ?")
		args = append(args, f.City)
	}
	if f.MinStarRating > 0 {
		conds = append(conds, "star_rating >= ?")
		args = append(args, f.MinStarRating)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const hotelCols = `id, supplier, supplier_hotel_id, name, city, country, latitude, longitude, star_rating, created_at, updated_at`

func scanHotel(scanner interface{ Scan(...any) error }) (*model.Hotel, error) {
	var h model.Hotel
	err := scanner.Scan(
		&h.ID, &h.Supplier, &h.SupplierHotelID, &h.Name, &h.City, &h.Country,
		&h.Latitude, &h.Longitude, &h.StarRating, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *HotelStore) CountHotels(ctx context.Context, f HotelFilter) (int64, error) {
	where, args := f.where()
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hotels`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count hotels: %w", err)
	}
	return count, nil
}

// ListHotelsPage returns up to limit hotels with id > afterID, ordered by
// id. Callers page with the last id of the previous batch so a scan never
// holds more than one batch in memory.
func (s *HotelStore) ListHotelsPage(ctx context.Context, f HotelFilter, afterID int64, limit int) ([]model.Hotel, error) {
	where, args := f.where()
	if where == "" {
		where = " WHERE id > ?"
	} else {
		where += " AND id > ?"
	}
	args = append(args, afterID, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hotelCols+` FROM hotels`+where+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list hotels page: %w", err)
	}
	defer rows.Close()

	var hotels []model.Hotel
	for rows.Next() {
		h, err := scanHotel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hotel: %w", err)
		}
		hotels = append(hotels, *h)
	}
	return hotels, rows.Err()
}

// UpsertHotel inserts or refreshes a supplier's hotel record, keyed by
// (supplier, supplier_hotel_id).
func (s *HotelStore) UpsertHotel(h *model.Hotel) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO hotels (supplier, supplier_hotel_id, name, city, country, latitude, longitude, star_rating, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(supplier, supplier_hotel_id) DO UPDATE SET
		   name = excluded.name, city = excluded.city, country = excluded.country,
		   latitude = excluded.latitude, longitude = excluded.longitude,
		   star_rating = excluded.star_rating, updated_at = excluded.updated_at`,
		h.Supplier, h.SupplierHotelID, h.Name, h.City, h.Country,
		h.Latitude, h.Longitude, h.StarRating, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert hotel %s/%s: %w", h.Supplier, h.SupplierHotelID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("upsert hotel id: %w", err)
	}
	return id, nil
}

// MappingFilter narrows a mappings export. Zero values mean no constraint.
type MappingFilter struct {
	Supplier      string
	VerifiedOnly  bool
	MinConfidence float64
}

func (f MappingFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Supplier != "" {
		conds = append(conds, "supplier = ?")
		args = append(args, f.Supplier)
	}
	if f.VerifiedOnly {
		conds = append(conds, "verified = 1")
	}
	if f.MinConfidence > 0 {
		conds = append(conds, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const mappingCols = `id, canonical_id, supplier, supplier_hotel_id, confidence, verified, created_at, updated_at`

func scanMapping(scanner interface{ Scan(...any) error }) (*model.HotelMapping, error) {
	var m model.HotelMapping
	err := scanner.Scan(
		&m.ID, &m.CanonicalID, &m.Supplier, &m.SupplierHotelID,
		&m.Confidence, &m.Verified, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *HotelStore) CountMappings(ctx context.Context, f MappingFilter) (int64, error) {
	where, args := f.where()
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hotel_mappings`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return count, nil
}

func (s *HotelStore) ListMappingsPage(ctx context.Context, f MappingFilter, afterID int64, limit int) ([]model.HotelMapping, error) {
	where, args := f.where()
	if where == "" {
		where = " WHERE id > ?"
	} else {
		where += " AND id > ?"
	}
	args = append(args, afterID, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mappingCols+` FROM hotel_mappings`+where+` ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list mappings page: %w", err)
	}
	defer rows.Close()

	var mappings []model.HotelMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

func (s *HotelStore) UpsertMapping(m *model.HotelMapping) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO hotel_mappings (canonical_id, supplier, supplier_hotel_id, confidence, verified, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(supplier, supplier_hotel_id) DO UPDATE SET
		   canonical_id = excluded.canonical_id, confidence = excluded.confidence,
		   verified = excluded.verified, updated_at = excluded.updated_at`,
		m.CanonicalID, m.Supplier, m.SupplierHotelID, m.Confidence, m.Verified, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert mapping %s/%s: %w", m.Supplier, m.SupplierHotelID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("upsert mapping id: %w", err)
	}
	return id, nil
}

// CountSuppliers returns the number of distinct suppliers with hotels.
func (s *HotelStore) CountSuppliers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT supplier) FROM hotels`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count suppliers: %w", err)
	}
	return count, nil
}

// SupplierSummaries aggregates per-supplier counts across both tables.
// The result set is bounded by the number of suppliers, so it is not paged.
func (s *HotelStore) SupplierSummaries(ctx context.Context) ([]model.SupplierSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT h.supplier, COUNT(h.id), COALESCE(m.cnt, 0), COALESCE(AVG(h.star_rating), 0), MAX(h.updated_at)
		 FROM hotels h
		 LEFT JOIN (SELECT supplier, COUNT(*) AS cnt FROM hotel_mappings GROUP BY supplier) m
		   ON m.supplier = h.supplier
		 GROUP BY h.supplier ORDER BY h.supplier ASC`)
	if err != nil {
		return nil, fmt.Errorf("supplier summaries: %w", err)
	}
	defer rows.Close()

	var summaries []model.SupplierSummary
	for rows.Next() {
		var sum model.SupplierSummary
		var last sql.NullTime
		if err := rows.Scan(&sum.Supplier, &sum.HotelCount, &sum.MappedCount, &sum.AvgStarRating, &last); err != nil {
			return nil, fmt.Errorf("scan supplier summary: %w", err)
		}
		if last.Valid {
			sum.LastUpdated = &last.Time
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
