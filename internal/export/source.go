// Package export turns stored hotel data into downloadable files. Sources
// read rows in bounded batches, writers serialize them, and Run drives the
// two with cancellation checkpoints in between.
package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stayware/lodgemap/internal/model"
	"github.com/stayware/lodgemap/internal/store"
)

const defaultBatchSize = 500

// Row is one exported record, ordered to match Source.Columns.
type Row []any

// Source produces the rows of one export type under a fixed filter.
type Source interface {
	// Columns returns the header, in output order.
	Columns() []string
	// Count estimates the total row count for progress reporting.
	Count(ctx context.Context) (int64, error)
	// Open starts a scan from the beginning. A source can be reopened
	// after a failure; there is no mid-scan resume.
	Open(ctx context.Context) (Cursor, error)
}

// Cursor yields row batches. An empty batch means the scan is done.
type Cursor interface {
	Next(ctx context.Context) ([]Row, error)
	Close() error
}

// Catalog builds sources from job parameters.
type Catalog struct {
	hotels    *store.HotelStore
	batchSize int
}

func NewCatalog(hs *store.HotelStore) *Catalog {
	return &Catalog{hotels: hs, batchSize: defaultBatchSize}
}

// Source returns the source for the given export type with its filter
// payload bound. Filters must already be validated.
func (c *Catalog) Source(exportType model.ExportType, filters string) (Source, error) {
	if filters == "" {
		filters = "{}"
	}
	switch exportType {
	case model.ExportTypeHotels:
		var p struct {
			Supplier      string  `json:"supplier"`
			Country       string  `json:"country"`
			City          string  `json:"city"`
			MinStarRating float64 `json:"min_star_rating"`
		}
		if err := json.Unmarshal([]byte(filters), &p); err != nil {
			return nil, fmt.Errorf("parse hotels filters: %w", err)
		}
		return &hotelsSource{
			store:     c.hotels,
			batchSize: c.batchSize,
			filter: store.HotelFilter{
				Supplier:      p.Supplier,
				Country:       p.Country,
				City:          p.City,
				MinStarRating: p.MinStarRating,
			},
		}, nil
	case model.ExportTypeMappings:
		var p struct {
			Supplier      string  `json:"supplier"`
			VerifiedOnly  bool    `json:"verified_only"`
			MinConfidence float64 `json:"min_confidence"`
		}
		if err := json.Unmarshal([]byte(filters), &p); err != nil {
			return nil, fmt.Errorf("parse mappings filters: %w", err)
		}
		return &mappingsSource{
			store:     c.hotels,
			batchSize: c.batchSize,
			filter: store.MappingFilter{
				Supplier:      p.Supplier,
				VerifiedOnly:  p.VerifiedOnly,
				MinConfidence: p.MinConfidence,
			},
		}, nil
	case model.ExportTypeSupplierSummary:
		return &summarySource{store: c.hotels}, nil
	}
	return nil, fmt.Errorf("unknown export type %q", exportType)
}

type hotelsSource struct {
	store     *store.HotelStore
	filter    store.HotelFilter
	batchSize int
}

func (s *hotelsSource) Columns() []string {
	return []string{"id", "supplier", "supplier_hotel_id", "name", "city", "country", "latitude", "longitude", "star_rating", "updated_at"}
}

func (s *hotelsSource) Count(ctx context.Context) (int64, error) {
	return s.store.CountHotels(ctx, s.filter)
}

func (s *hotelsSource) Open(ctx context.Context) (Cursor, error) {
	return &hotelsCursor{src: s}, nil
}

type hotelsCursor struct {
	src     *hotelsSource
	afterID int64
	done    bool
}

func (c *hotelsCursor) Next(ctx context.Context) ([]Row, error) {
	if c.done {
		return nil, nil
	}
	hotels, err := c.src.store.ListHotelsPage(ctx, c.src.filter, c.afterID, c.src.batchSize)
	if err != nil {
		return nil, err
	}
	if len(hotels) == 0 {
		c.done = true
		return nil, nil
	}
	c.afterID = hotels[len(hotels)-1].ID
	if len(hotels) < c.src.batchSize {
		c.done = true
	}
	rows := make([]Row, len(hotels))
	for i, h := range hotels {
		rows[i] = Row{h.ID, h.Supplier, h.SupplierHotelID, h.Name, h.City, h.Country, h.Latitude, h.Longitude, h.StarRating, h.UpdatedAt}
	}
	return rows, nil
}

func (c *hotelsCursor) Close() error { return nil }

type mappingsSource struct {
	store     *store.HotelStore
	filter    store.MappingFilter
	batchSize int
}

func (s *mappingsSource) Columns() []string {
	return []string{"id", "canonical_id", "supplier", "supplier_hotel_id", "confidence", "verified", "updated_at"}
}

func (s *mappingsSource) Count(ctx context.Context) (int64, error) {
	return s.store.CountMappings(ctx, s.filter)
}

func (s *mappingsSource) Open(ctx context.Context) (Cursor, error) {
	return &mappingsCursor{src: s}, nil
}

type mappingsCursor struct {
	src     *mappingsSource
	afterID int64
	done    bool
}

func (c *mappingsCursor) Next(ctx context.Context) ([]Row, error) {
	if c.done {
		return nil, nil
	}
	mappings, err := c.src.store.ListMappingsPage(ctx, c.src.filter, c.afterID, c.src.batchSize)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		c.done = true
		return nil, nil
	}
	c.afterID = mappings[len(mappings)-1].ID
	if len(mappings) < c.src.batchSize {
		c.done = true
	}
	rows := make([]Row, len(mappings))
	for i, m := range mappings {
		rows[i] = Row{m.ID, m.CanonicalID, m.Supplier, m.SupplierHotelID, m.Confidence, m.Verified, m.UpdatedAt}
	}
	return rows, nil
}

func (c *mappingsCursor) Close() error { return nil }

// summarySource is one aggregate query; the row count is bounded by the
// number of suppliers, so it is emitted as a single batch.
type summarySource struct {
	store *store.HotelStore
}

func (s *summarySource) Columns() []string {
	return []string{"supplier", "hotel_count", "mapped_count", "avg_star_rating", "last_updated"}
}

func (s *summarySource) Count(ctx context.Context) (int64, error) {
	return s.store.CountSuppliers(ctx)
}

func (s *summarySource) Open(ctx context.Context) (Cursor, error) {
	return &summaryCursor{src: s}, nil
}

type summaryCursor struct {
	src  *summarySource
	done bool
}

func (c *summaryCursor) Next(ctx context.Context) ([]Row, error) {
	if c.done {
		return nil, nil
	}
	c.done = true
	summaries, err := c.src.store.SupplierSummaries(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(summaries))
	for i, s := range summaries {
		rows[i] = Row{s.Supplier, s.HotelCount, s.MappedCount, s.AvgStarRating, s.LastUpdated}
	}
	return rows, nil
}

func (c *summaryCursor) Close() error { return nil }
