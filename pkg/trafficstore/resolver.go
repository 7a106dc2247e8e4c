package trafficstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// EntityResolver resolves raw identifying strings into hierarchy rows using
// an explicit find-or-create protocol:
//
//  1. look up by natural key
//  2. on miss, attempt to insert
//  3. on a uniqueness conflict (another resolution created the key first),
//     re-fetch and return the existing row
//
// This makes resolution idempotent and safe under concurrent first sightings
// of the same key. Correctness relies entirely on the database's conflict
// detection; no in-process locking serializes resolution of the same key.
//
// The database must be opened with gorm.Config.TranslateError so uniqueness
// violations surface as gorm.ErrDuplicatedKey.
type EntityResolver struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewEntityResolver creates a resolver over the given database handle.
func NewEntityResolver(db *gorm.DB, logger zerolog.Logger) *EntityResolver {
	return &EntityResolver{
		db:     db,
		logger: logger.With().Str("component", "EntityResolver").Logger(),
	}
}

// Resolve returns the Signaller for (city, district, road), creating the
// District and Signaller rows if this is their first sighting. It may write
// zero, one, or two new rows per call.
func (r *EntityResolver) Resolve(ctx context.Context, city, district, road string) (*Signaller, error) {
	d, err := r.resolveDistrict(ctx, city, district)
	if err != nil {
		return nil, err
	}
	return r.resolveSignaller(ctx, d, road)
}

func (r *EntityResolver) resolveDistrict(ctx context.Context, city, district string) (*District, error) {
	var d District
	err := r.db.WithContext(ctx).
		Where("city_name = ? AND district_name = ?", city, district).
		First(&d).Error
	if err == nil {
		return &d, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("district lookup %s/%s: %w", city, district, err)
	}

	d = District{CityName: city, DistrictName: district}
	createErr := r.db.WithContext(ctx).Create(&d).Error
	if createErr == nil {
		r.logger.Info().Str("city", city).Str("district", district).Msg("Created new district")
		return &d, nil
	}
	if !errors.Is(createErr, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("district create %s/%s: %w", city, district, createErr)
	}

	// Lost the race to a concurrent first sighting; the row exists now.
	r.logger.Debug().Str("city", city).Str("district", district).
		Msg("District create conflicted, re-fetching existing row")
	if err := r.db.WithContext(ctx).
		Where("city_name = ? AND district_name = ?", city, district).
		First(&d).Error; err != nil {
		return nil, fmt.Errorf("district re-fetch after conflict %s/%s: %w", city, district, err)
	}
	return &d, nil
}

func (r *EntityResolver) resolveSignaller(ctx context.Context, d *District, road string) (*Signaller, error) {
	var s Signaller
	err := r.db.WithContext(ctx).
		Where("district_id = ? AND road_name = ?", d.ID, road).
		First(&s).Error
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("signaller lookup %s/%s %s: %w", d.CityName, d.DistrictName, road, err)
	}

	// No unique constraint exists on (district_id, road_name), so this insert
	// cannot conflict; two concurrent first sightings may each create a row.
	// Known gap carried over from the source schema, tolerated downstream.
	s = Signaller{DistrictID: d.ID, RoadName: road, Active: true}
	if createErr := r.db.WithContext(ctx).Create(&s).Error; createErr != nil {
		if errors.Is(createErr, gorm.ErrDuplicatedKey) {
			if err := r.db.WithContext(ctx).
				Where("district_id = ? AND road_name = ?", d.ID, road).
				First(&s).Error; err != nil {
				return nil, fmt.Errorf("signaller re-fetch after conflict %s: %w", road, err)
			}
			return &s, nil
		}
		return nil, fmt.Errorf("signaller create %s/%s %s: %w", d.CityName, d.DistrictName, road, createErr)
	}
	r.logger.Info().Str("city", d.CityName).Str("district", d.DistrictName).Str("road", road).
		Msg("Created new signaller")
	return &s, nil
}
