package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cusdeb/cusdeb-api/internal/apperr"
	"github.com/cusdeb/cusdeb-api/internal/database"
	"github.com/cusdeb/cusdeb-api/internal/monitoring"
)

const (
	listingActive = "active"
	listingAll    = "all"
)

// DefaultListingTTL bounds how long a listing is served from the cache.
const DefaultListingTTL = time.Minute

// DeviceEntry is one device of the catalog listing.
type DeviceEntry struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Generation  string    `json:"generation"`
	Model       string    `json:"model"`
	DisplayName string    `json:"-"`
	Active      bool      `json:"-"`
	OS          []OSEntry `json:"os"`
}

// OSEntry is one supported OS of a listed device.
type OSEntry struct {
	ID          uint     `json:"id"`
	FullName    string   `json:"full_name"`
	ShortName   string   `json:"short_name"`
	BuildType   []string `json:"build_type"`
	PackagesURL string   `json:"packages_url"`
	Active      bool     `json:"-"`
}

type OSInput struct {
	Distro      string
	CodeName    string
	Version     string
	Port        string
	PackagesURL string
	Active      bool
}

type DeviceInput struct {
	Name       string
	Generation string
	Model      string
	Active     bool
}

// Store owns the catalog tables. Listings are cached until the next mutation
// made through the store or until listingTTL has passed, whichever comes
// first. Writes made by another process become visible within listingTTL.
type Store struct {
	db       *database.DB
	resolver *Resolver
	listings *expirable.LRU[string, []DeviceEntry]
}

// NewStore returns a store whose listings expire after listingTTL. A
// non-positive TTL selects DefaultListingTTL.
func NewStore(db *database.DB, listingTTL time.Duration) (*Store, error) {
	if listingTTL <= 0 {
		listingTTL = DefaultListingTTL
	}
	return &Store{
		db:       db,
		resolver: NewResolver(db),
		listings: expirable.NewLRU[string, []DeviceEntry](2, nil, listingTTL),
	}, nil
}

func (s *Store) Resolver() *Resolver {
	return s.resolver
}

// Invalidate drops every cached listing.
func (s *Store) Invalidate() {
	s.listings.Purge()
}

// ListDevices returns the active devices, each with its active supported OSes
// and their resolved build types.
func (s *Store) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	return s.list(ctx, listingActive)
}

// ListAllDevices is ListDevices including inactive devices and OSes.
func (s *Store) ListAllDevices(ctx context.Context) ([]DeviceEntry, error) {
	return s.list(ctx, listingAll)
}

func (s *Store) list(ctx context.Context, key string) ([]DeviceEntry, error) {
	if cached, ok := s.listings.Get(key); ok {
		monitoring.CatalogCacheHits.Inc()
		return cached, nil
	}

	ctx, span := tracer.Start(ctx, "catalog.ListDevices")
	defer span.End()
	span.SetAttributes(attribute.String("listing", key))

	activeOnly := key == listingActive
	tx := s.db.WithContext(ctx)

	query := tx.Preload("DeviceName").
		Preload("SupportedOS", func(db *gorm.DB) *gorm.DB {
			if activeOnly {
				db = db.Where("active = ?", true)
			}
			return db.Order("id")
		}).
		Preload("SupportedOS.DistroName").
		Preload("SupportedOS.CodeName").
		Preload("SupportedOS.Port").
		Order("id")
	if activeOnly {
		query = query.Where("active = ?", true)
	}

	var devices []database.Device
	if err := query.Find(&devices).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list devices: %w", err)
	}

	entries := make([]DeviceEntry, 0, len(devices))
	for _, d := range devices {
		entry := DeviceEntry{
			ID:          d.ID,
			Name:        d.DeviceName.Name,
			Generation:  d.Generation,
			Model:       d.Model,
			DisplayName: DeviceDisplayName(d),
			Active:      d.Active,
			OS:          make([]OSEntry, 0, len(d.SupportedOS)),
		}
		for _, os := range d.SupportedOS {
			names, err := resolve(tx, d.ID, os.ID)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			entry.OS = append(entry.OS, OSEntry{
				ID:          os.ID,
				FullName:    FullName(os),
				ShortName:   ShortName(os),
				BuildType:   names,
				PackagesURL: os.PackagesURL,
				Active:      os.Active,
			})
		}
		entries = append(entries, entry)
	}

	s.listings.Add(key, entries)
	return entries, nil
}

// EnsureDefaultBuildType makes sure the default build type exists. It only
// creates it in an empty table: if other names exist but the default does
// not, the catalog is inconsistent and an integrity error is returned.
func (s *Store) EnsureDefaultBuildType(ctx context.Context, name string) (*database.BuildTypeName, error) {
	var def database.BuildTypeName
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&def, database.DefaultBuildTypeID).Error
		if err == nil {
			return nil
		}
		if !database.IsNotFound(err) {
			return err
		}

		var count int64
		if err := tx.Model(&database.BuildTypeName{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("build type names exist without the default (id %d): %w", database.DefaultBuildTypeID, apperr.ErrIntegrity)
		}

		def = database.BuildTypeName{Name: name}
		if err := tx.Create(&def).Error; err != nil {
			return err
		}
		if def.ID != database.DefaultBuildTypeID {
			return fmt.Errorf("default build type was created with id %d: %w", def.ID, apperr.ErrIntegrity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Invalidate()
	return &def, nil
}

func (s *Store) EnsureBuildTypeName(ctx context.Context, name string) (*database.BuildTypeName, error) {
	if name == "" {
		return nil, apperr.Invalid("name", "Build type name cannot be empty")
	}
	row := database.BuildTypeName{Name: name}
	if err := s.db.WithContext(ctx).Where(&row).FirstOrCreate(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// CreateOS returns the OS matching distro, codename, version and port,
// creating it and its reference names when missing.
func (s *Store) CreateOS(ctx context.Context, in OSInput) (*database.OS, error) {
	v := apperr.NewValidation()
	if in.Distro == "" {
		v.Add("distro", "Distro name cannot be empty")
	}
	if in.CodeName == "" {
		v.Add("codename", "Code name cannot be empty")
	}
	if in.Port == "" {
		v.Add("port", "Port cannot be empty")
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	var os database.OS
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		distro := database.DistroName{Name: in.Distro}
		if err := tx.Where(&distro).FirstOrCreate(&distro).Error; err != nil {
			return err
		}
		codename := database.CodeName{Name: in.CodeName}
		if err := tx.Where(&codename).FirstOrCreate(&codename).Error; err != nil {
			return err
		}
		port := database.Port{Name: in.Port}
		if err := tx.Where(&port).FirstOrCreate(&port).Error; err != nil {
			return err
		}

		err := tx.Where("distro_name_id = ? AND code_name_id = ? AND version = ? AND port_id = ?",
			distro.ID, codename.ID, in.Version, port.ID).First(&os).Error
		if database.IsNotFound(err) {
			os = database.OS{
				DistroNameID: distro.ID,
				CodeNameID:   codename.ID,
				Version:      in.Version,
				PortID:       port.ID,
				PackagesURL:  in.PackagesURL,
				Active:       in.Active,
			}
			err = tx.Create(&os).Error
		}
		if err != nil {
			return err
		}
		os.DistroName, os.CodeName, os.Port = distro, codename, port
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create os: %w", err)
	}
	s.Invalidate()
	return &os, nil
}

// CreateDevice returns the device matching name, generation and model,
// creating it when missing.
func (s *Store) CreateDevice(ctx context.Context, in DeviceInput) (*database.Device, error) {
	if in.Name == "" {
		return nil, apperr.Invalid("name", "Device name cannot be empty")
	}

	var device database.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		name := database.DeviceName{Name: in.Name}
		if err := tx.Where(&name).FirstOrCreate(&name).Error; err != nil {
			return err
		}

		err := tx.Where("device_name_id = ? AND generation = ? AND model = ?",
			name.ID, in.Generation, in.Model).First(&device).Error
		if database.IsNotFound(err) {
			device = database.Device{
				DeviceNameID: name.ID,
				Generation:   in.Generation,
				Model:        in.Model,
				Active:       in.Active,
			}
			err = tx.Create(&device).Error
		}
		if err != nil {
			return err
		}
		device.DeviceName = name
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	s.Invalidate()
	return &device, nil
}

func (s *Store) SetDeviceActive(ctx context.Context, deviceID uint, active bool) error {
	return s.update(ctx, &database.Device{}, "device", deviceID, "active", active)
}

func (s *Store) SetOSActive(ctx context.Context, osID uint, active bool) error {
	return s.update(ctx, &database.OS{}, "os", osID, "active", active)
}

// SetOSPackagesURL replaces the package mirror of an operating system. An
// empty url clears it.
func (s *Store) SetOSPackagesURL(ctx context.Context, osID uint, url string) error {
	return s.update(ctx, &database.OS{}, "os", osID, "packages_url", url)
}

func (s *Store) update(ctx context.Context, model any, kind string, id uint, column string, value any) error {
	tx := s.db.WithContext(ctx)
	if err := tx.First(model, id).Error; err != nil {
		if database.IsNotFound(err) {
			return fmt.Errorf("%s %d: %w", kind, id, apperr.ErrNotFound)
		}
		return err
	}
	if err := tx.Model(model).Update(column, value).Error; err != nil {
		return fmt.Errorf("update %s %d: %w", kind, id, err)
	}
	s.Invalidate()
	return nil
}

// AssociateOS adds the OSes to the device's supported set and, in the same
// transaction, creates the build type association of every pair that does not
// have one yet, seeded with the default build type. Existing associations are
// left untouched, so calling it again for the same pair is a no-op.
func (s *Store) AssociateOS(ctx context.Context, deviceID uint, osIDs ...uint) error {
	if len(osIDs) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "catalog.AssociateOS")
	defer span.End()
	span.SetAttributes(attribute.Int("device.id", int(deviceID)), attribute.Int("os.count", len(osIDs)))

	seeded := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device database.Device
		if err := tx.First(&device, deviceID).Error; err != nil {
			if database.IsNotFound(err) {
				return fmt.Errorf("device %d: %w", deviceID, apperr.ErrNotFound)
			}
			return err
		}

		var oses []database.OS
		if err := tx.Where("id IN ?", osIDs).Find(&oses).Error; err != nil {
			return err
		}
		if missing := missingIDs(osIDs, oses); len(missing) > 0 {
			return fmt.Errorf("os %v: %w", missing, apperr.ErrNotFound)
		}

		if err := tx.Model(&device).Association("SupportedOS").Append(&oses); err != nil {
			return fmt.Errorf("append supported os: %w", err)
		}

		var def database.BuildTypeName
		defLoaded := false
		for _, os := range oses {
			bt := database.BuildType{DeviceID: deviceID, OSID: os.ID}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&bt)
			if res.Error != nil {
				if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
					continue
				}
				return fmt.Errorf("create build type: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}

			if !defLoaded {
				if err := tx.First(&def, database.DefaultBuildTypeID).Error; err != nil {
					if database.IsNotFound(err) {
						return fmt.Errorf("default build type (id %d) is missing: %w", database.DefaultBuildTypeID, apperr.ErrIntegrity)
					}
					return err
				}
				defLoaded = true
			}
			if err := tx.Model(&bt).Association("Names").Append(&def); err != nil {
				return fmt.Errorf("seed default build type: %w", err)
			}
			seeded++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.Invalidate()
	monitoring.CatalogAssociations.Add(float64(seeded))
	slog.Debug("Associated OS with device", "deviceID", deviceID, "osIDs", osIDs, "seeded", seeded)
	return nil
}

// AttachBuildType adds a named build type to the pair, creating the
// association when needed. Attaching a name twice has no effect.
func (s *Store) AttachBuildType(ctx context.Context, deviceID, osID uint, name string) error {
	btn, err := s.EnsureBuildTypeName(ctx, name)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bt, err := findOrCreateBuildType(tx, deviceID, osID)
		if err != nil {
			return err
		}
		return tx.Model(bt).Association("Names").Append(btn)
	})
	if err != nil {
		return fmt.Errorf("attach build type: %w", err)
	}
	s.Invalidate()
	return nil
}

// SetBuildTypes replaces the build types of the pair with names, in order.
// An empty list leaves the pair resolving to the default.
func (s *Store) SetBuildTypes(ctx context.Context, deviceID, osID uint, names []string) error {
	rows := make([]database.BuildTypeName, 0, len(names))
	for _, name := range names {
		btn, err := s.EnsureBuildTypeName(ctx, name)
		if err != nil {
			return err
		}
		rows = append(rows, *btn)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bt, err := findOrCreateBuildType(tx, deviceID, osID)
		if err != nil {
			return err
		}
		return tx.Model(bt).Association("Names").Replace(rows)
	})
	if err != nil {
		return fmt.Errorf("set build types: %w", err)
	}
	s.Invalidate()
	return nil
}

func findOrCreateBuildType(tx *gorm.DB, deviceID, osID uint) (*database.BuildType, error) {
	bt := database.BuildType{DeviceID: deviceID, OSID: osID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&bt).Error; err != nil && !database.IsDuplicate(err) {
		return nil, err
	}
	if err := tx.Where("device_id = ? AND os_id = ?", deviceID, osID).First(&bt).Error; err != nil {
		return nil, err
	}
	return &bt, nil
}

func missingIDs(want []uint, got []database.OS) []uint {
	found := make(map[uint]bool, len(got))
	for _, os := range got {
		found[os.ID] = true
	}
	var missing []uint
	for _, id := range want {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
