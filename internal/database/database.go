package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cusdeb/cusdeb-api/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DB struct {
	*gorm.DB
}

func New(cfg *config.Config) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabasePath() + "?_busy_timeout=5000&_journal_mode=WAL")
	case "postgres":
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("CUSDEB_DB_DSN is required for postgres")
		}
		dialector = postgres.Open(cfg.DBDSN)
	case "mysql":
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("CUSDEB_DB_DSN is required for mysql")
		}
		dialector = mysql.Open(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DBDriver)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if cfg.DevMode {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := Open(dialector, gormLogger)
	if err != nil {
		return nil, err
	}

	slog.Info("Database connected", "driver", cfg.DBDriver)
	return db, nil
}

// Open connects through an arbitrary dialector and migrates the schema.
func Open(dialector gorm.Dialector, gormLogger logger.Interface) (*DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{DB: db}, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DistroName{},
		&CodeName{},
		&Port{},
		&OS{},
		&DeviceName{},
		&Device{},
		&BuildTypeName{},
		&BuildType{},
		&Image{},
		&User{},
		&Person{},
		&EmailConfirmationToken{},
		&PasswordResetToken{},
		&Webhook{},
		&Setting{},
	)
}

// IsDuplicate reports whether err is a unique constraint violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (db *DB) GetSetting(key string) (string, error) {
	var setting Setting
	if err := db.Where(&Setting{Key: key}).First(&setting).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (db *DB) SetSetting(key, value string) error {
	return db.Save(&Setting{Key: key, Value: value}).Error
}

func (db *DB) HasSetting(key string) bool {
	var count int64
	db.Model(&Setting{}).Where(&Setting{Key: key}).Count(&count)
	return count > 0
}
