package database

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(sqlite.Open(":memory:"), logger.Default.LogMode(logger.Silent))
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, _ := db.DB.DB()
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestSettings(t *testing.T) {
	db := setupTestDB(t)

	if err := db.SetSetting("test_key", "test_value"); err != nil {
		t.Fatal(err)
	}

	value, err := db.GetSetting("test_key")
	if err != nil {
		t.Fatal(err)
	}
	if value != "test_value" {
		t.Errorf("GetSetting() = %q, want test_value", value)
	}

	if !db.HasSetting("test_key") {
		t.Error("HasSetting() = false, want true")
	}
	if db.HasSetting("nonexistent_key") {
		t.Error("HasSetting(nonexistent) = true, want false")
	}

	_, err = db.GetSetting("nonexistent_key")
	if !IsNotFound(err) {
		t.Errorf("GetSetting(nonexistent) error = %v, want record not found", err)
	}
}

func TestSettingUpdate(t *testing.T) {
	db := setupTestDB(t)

	if err := db.SetSetting("key", "value1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSetting("key", "value2"); err != nil {
		t.Fatal(err)
	}

	value, err := db.GetSetting("key")
	if err != nil {
		t.Fatal(err)
	}
	if value != "value2" {
		t.Errorf("GetSetting() = %q, want value2", value)
	}
}

func TestOSWithReferences(t *testing.T) {
	db := setupTestDB(t)

	debian := &DistroName{Name: "Debian"}
	buster := &CodeName{Name: "Buster"}
	armhf := &Port{Name: "armhf"}
	db.Create(debian)
	db.Create(buster)
	db.Create(armhf)

	os := &OS{
		DistroNameID: debian.ID,
		CodeNameID:   buster.ID,
		Version:      "10",
		PortID:       armhf.ID,
		Active:       true,
	}
	if err := db.Create(os).Error; err != nil {
		t.Fatal(err)
	}

	var loaded OS
	if err := db.Preload("DistroName").Preload("CodeName").Preload("Port").First(&loaded, os.ID).Error; err != nil {
		t.Fatal(err)
	}
	if loaded.DistroName.Name != "Debian" || loaded.CodeName.Name != "Buster" || loaded.Port.Name != "armhf" {
		t.Errorf("references not loaded: %+v", loaded)
	}
}

func TestDeviceSupportedOS(t *testing.T) {
	db := setupTestDB(t)

	rpi := &DeviceName{Name: "Raspberry Pi"}
	db.Create(rpi)
	device := &Device{DeviceNameID: rpi.ID, Generation: "3", Model: "Model B", Active: true}
	db.Create(device)

	d := &DistroName{Name: "Debian"}
	c := &CodeName{Name: "Buster"}
	p := &Port{Name: "armhf"}
	db.Create(d)
	db.Create(c)
	db.Create(p)
	os := &OS{DistroNameID: d.ID, CodeNameID: c.ID, PortID: p.ID, Version: "10"}
	db.Create(os)

	if err := db.Model(device).Association("SupportedOS").Append(os); err != nil {
		t.Fatal(err)
	}
	// Appending the same OS again must not duplicate the join row.
	if err := db.Model(device).Association("SupportedOS").Append(os); err != nil {
		t.Fatal(err)
	}

	var loaded Device
	if err := db.Preload("SupportedOS").First(&loaded, device.ID).Error; err != nil {
		t.Fatal(err)
	}
	if len(loaded.SupportedOS) != 1 {
		t.Errorf("SupportedOS count = %d, want 1", len(loaded.SupportedOS))
	}
}

func TestBuildTypeUniquePerDeviceAndOS(t *testing.T) {
	db := setupTestDB(t)

	if err := db.Create(&BuildType{DeviceID: 1, OSID: 1}).Error; err != nil {
		t.Fatal(err)
	}
	err := db.Create(&BuildType{DeviceID: 1, OSID: 1}).Error
	if !IsDuplicate(err) {
		t.Errorf("duplicate BuildType error = %v, want duplicated key", err)
	}
}

func TestImageIDUnique(t *testing.T) {
	db := setupTestDB(t)

	image := &Image{UserID: 1, ImageID: "21d4ad3f-6a0b-4a8e-9f0e-c0ffee000001", Flavour: FlavourClassic, Status: ImageStatusPending}
	if err := db.Create(image).Error; err != nil {
		t.Fatal(err)
	}
	if image.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set on insert")
	}

	dup := &Image{UserID: 2, ImageID: image.ImageID, Flavour: FlavourClassic, Status: ImageStatusPending}
	if err := db.Create(dup).Error; !IsDuplicate(err) {
		t.Errorf("duplicate image_id error = %v, want duplicated key", err)
	}
}

func TestWebhookCRUD(t *testing.T) {
	db := setupTestDB(t)

	webhook := &Webhook{
		Name:    "Test Webhook",
		URL:     "https://example.com/hook",
		Events:  `["image.created"]`,
		Enabled: true,
	}
	if err := db.Create(webhook).Error; err != nil {
		t.Fatal(err)
	}
	if webhook.ID == 0 {
		t.Error("Webhook ID should be auto-generated")
	}

	var retrieved Webhook
	db.First(&retrieved, webhook.ID)
	if retrieved.URL != "https://example.com/hook" {
		t.Errorf("URL = %q, want https://example.com/hook", retrieved.URL)
	}
}
