package catalog

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/cusdeb/cusdeb-api/internal/apperr"
	"github.com/cusdeb/cusdeb-api/internal/database"
)

var tracer = otel.Tracer("github.com/cusdeb/cusdeb-api/internal/catalog")

// Resolver maps a device/OS pair to the build types it supports.
type Resolver struct {
	db *database.DB
}

func NewResolver(db *database.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns the build type names attached to the pair, ordered by
// insertion. A pair without an association (or with an empty one) resolves
// to the default build type alone. A missing default is an integrity error.
func (r *Resolver) Resolve(ctx context.Context, deviceID, osID uint) ([]string, error) {
	ctx, span := tracer.Start(ctx, "catalog.Resolve")
	defer span.End()
	span.SetAttributes(attribute.Int("device.id", int(deviceID)), attribute.Int("os.id", int(osID)))

	names, err := resolve(r.db.WithContext(ctx), deviceID, osID)
	if err != nil {
		span.RecordError(err)
	}
	return names, err
}

func resolve(tx *gorm.DB, deviceID, osID uint) ([]string, error) {
	var bt database.BuildType
	err := tx.Preload("Names", orderByID).
		Where("device_id = ? AND os_id = ?", deviceID, osID).
		First(&bt).Error
	switch {
	case err == nil:
		if names := buildTypeNames(bt); len(names) > 0 {
			return names, nil
		}
	case !database.IsNotFound(err):
		return nil, fmt.Errorf("load build type: %w", err)
	}

	def, err := defaultBuildTypeName(tx)
	if err != nil {
		return nil, err
	}
	return []string{def}, nil
}

func defaultBuildTypeName(tx *gorm.DB) (string, error) {
	var name database.BuildTypeName
	if err := tx.First(&name, database.DefaultBuildTypeID).Error; err != nil {
		if database.IsNotFound(err) {
			return "", fmt.Errorf("default build type (id %d) is missing: %w", database.DefaultBuildTypeID, apperr.ErrIntegrity)
		}
		return "", fmt.Errorf("load default build type: %w", err)
	}
	return name.Name, nil
}

func buildTypeNames(bt database.BuildType) []string {
	names := make([]string, 0, len(bt.Names))
	for _, n := range bt.Names {
		names = append(names, n.Name)
	}
	return names
}

func orderByID(db *gorm.DB) *gorm.DB {
	return db.Order("id")
}
