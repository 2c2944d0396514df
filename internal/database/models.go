package database

import "time"

// Catalog reference data.

type DistroName struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:255;uniqueIndex;not null"`
}

type CodeName struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:255;uniqueIndex;not null"`
}

type Port struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:32;uniqueIndex;not null"`
}

type OS struct {
	ID           uint `gorm:"primaryKey"`
	DistroNameID uint `gorm:"index;not null"`
	CodeNameID   uint `gorm:"not null"`
	// Version can be 1, 10, 18.04, 2019.01 and so on.
	Version     string `gorm:"size:32"`
	PortID      uint   `gorm:"not null"`
	PackagesURL string `gorm:"size:64"`
	Active      bool

	DistroName DistroName `gorm:"foreignKey:DistroNameID"`
	CodeName   CodeName   `gorm:"foreignKey:CodeNameID"`
	Port       Port       `gorm:"foreignKey:PortID"`
}

func (OS) TableName() string { return "operating_systems" }

type DeviceName struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:32;uniqueIndex;not null"`
}

type Device struct {
	ID           uint   `gorm:"primaryKey"`
	DeviceNameID uint   `gorm:"index;not null"`
	Generation   string `gorm:"size:32"`
	Model        string `gorm:"size:255"`
	Active       bool

	DeviceName  DeviceName `gorm:"foreignKey:DeviceNameID"`
	SupportedOS []OS       `gorm:"many2many:device_supported_os;joinForeignKey:DeviceID;joinReferences:OSID"`
}

type BuildTypeName struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:32;uniqueIndex;not null"`
}

// DefaultBuildTypeID identifies the build type every device/OS pair falls
// back to. The row must exist in every deployment.
const DefaultBuildTypeID uint = 1

type BuildType struct {
	ID       uint `gorm:"primaryKey"`
	DeviceID uint `gorm:"uniqueIndex:idx_build_type_device_os;not null"`
	OSID     uint `gorm:"column:os_id;uniqueIndex:idx_build_type_device_os;not null"`

	Names []BuildTypeName `gorm:"many2many:build_type_build_type_names;joinForeignKey:BuildTypeID;joinReferences:BuildTypeNameID"`
}

// Images.

type Image struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     uint   `gorm:"index;not null"`
	ImageID    string `gorm:"size:36;uniqueIndex;not null"`
	DeviceName string `gorm:"size:64"`
	DistroName string `gorm:"size:64"`
	Flavour    string `gorm:"size:16;not null"`
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Status     string `gorm:"size:16;index;not null"`
	Notes      string `gorm:"type:text"`
	BuildLog   string `gorm:"type:text"`
}

const (
	ImageStatusPending     = "pending"
	ImageStatusBuilding    = "building"
	ImageStatusSucceeded   = "succeeded"
	ImageStatusFailed      = "failed"
	ImageStatusInterrupted = "interrupted"
)

const (
	FlavourClassic  = "classic"
	FlavourMender   = "mender"
	FlavourArtifact = "artifact"
)

// Accounts.

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"size:150;uniqueIndex;not null"`
	Email        string `gorm:"size:254;index"`
	PasswordHash string
	PasswordSalt string
	IsActive     bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Person Person `gorm:"foreignKey:UserID"`
}

type Person struct {
	ID             uint `gorm:"primaryKey"`
	UserID         uint `gorm:"uniqueIndex;not null"`
	EmailConfirmed bool
}

type EmailConfirmationToken struct {
	ID        uint   `gorm:"primaryKey"`
	PersonID  uint   `gorm:"uniqueIndex;not null"`
	Key       string `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt time.Time

	Person Person `gorm:"foreignKey:PersonID"`
}

type PasswordResetToken struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index;not null"`
	Key       string `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt time.Time

	User User `gorm:"foreignKey:UserID"`
}

// Outbound notifications.

type Webhook struct {
	ID        uint `gorm:"primaryKey"`
	Name      string
	URL       string
	Events    string
	Headers   []byte
	Enabled   bool `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Setting struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string
}

const (
	SettingJWTSecret      = "jwt_secret"
	SettingEncryptionSalt = "encryption_salt"
)
