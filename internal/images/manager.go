// Package images manages image build records: creation by their owners,
// the pending queue drained by build workers, and the status lifecycle
// pending -> building -> succeeded | failed | interrupted.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cusdeb/cusdeb-api/internal/apperr"
	"github.com/cusdeb/cusdeb-api/internal/database"
	"github.com/cusdeb/cusdeb-api/internal/hooks"
	"github.com/cusdeb/cusdeb-api/internal/monitoring"
)

var tracer = otel.Tracer("github.com/cusdeb/cusdeb-api/internal/images")

// claimAttempts bounds how often ClaimNextPending retries after losing a
// row to a concurrent claimer.
const claimAttempts = 5

var errClaimLost = errors.New("pending image claimed concurrently")

// ErrClaimContended is returned when every claim attempt lost its row to
// another claimer. Pending images may remain; the caller should retry.
var ErrClaimContended = fmt.Errorf("pending images are being claimed concurrently: %w", apperr.ErrConflict)

// Actor identifies the caller of an operation on a single image. Users may
// only touch their own images; the build worker may touch any.
type Actor struct {
	UserID uint
	Worker bool
}

func UserActor(id uint) Actor {
	return Actor{UserID: id}
}

var WorkerActor = Actor{Worker: true}

type CreateRequest struct {
	ImageID    string `json:"image_id" validate:"required,uuid"`
	DeviceName string `json:"device_name" validate:"required,max=64"`
	DistroName string `json:"distro_name" validate:"required,max=64"`
	Flavour    string `json:"flavour" validate:"required,oneof=classic mender artifact"`
}

type Manager struct {
	db       *database.DB
	hooks    *hooks.Manager
	validate *validator.Validate
	now      func() time.Time
	claim    func(ctx context.Context) (*database.Image, error)
}

// New creates a manager. hookManager may be nil.
func New(db *database.DB, hookManager *hooks.Manager) *Manager {
	m := &Manager{
		db:       db,
		hooks:    hookManager,
		validate: apperr.NewValidator(),
		now:      time.Now,
	}
	m.claim = m.claimOnce
	return m
}

// Create records a new pending image owned by the actor.
func (m *Manager) Create(ctx context.Context, actor Actor, req CreateRequest) (*database.Image, error) {
	ctx, span := tracer.Start(ctx, "images.Create")
	defer span.End()

	if req.Flavour == "" {
		req.Flavour = database.FlavourClassic
	} else if f, ok := ParseFlavour(req.Flavour); ok {
		req.Flavour = f
	}
	if err := m.validate.Struct(req); err != nil {
		return nil, apperr.FromValidator(err)
	}
	if actor.UserID == 0 {
		return nil, fmt.Errorf("create image without an owner: %w", apperr.ErrForbidden)
	}

	img := &database.Image{
		UserID:     actor.UserID,
		ImageID:    req.ImageID,
		DeviceName: req.DeviceName,
		DistroName: req.DistroName,
		Flavour:    req.Flavour,
		CreatedAt:  m.now().UTC(),
		Status:     database.ImageStatusPending,
	}
	if err := m.db.WithContext(ctx).Create(img).Error; err != nil {
		if database.IsDuplicate(err) {
			return nil, fmt.Errorf("image %s already exists: %w", req.ImageID, apperr.ErrConflict)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("create image: %w", err)
	}

	monitoring.ImagesCreated.Inc()
	m.emit(ctx, hooks.EventImageCreated, img, "")
	slog.Info("Image created", "imageID", img.ImageID, "userID", img.UserID, "flavour", img.Flavour)
	return img, nil
}

// ClaimNextPending moves the oldest pending image to building and returns
// it, or returns nil when nothing is pending. Concurrent callers never
// receive the same image. ErrClaimContended means other claimers won every
// attempt, not that the queue is empty.
func (m *Manager) ClaimNextPending(ctx context.Context) (*database.Image, error) {
	ctx, span := tracer.Start(ctx, "images.ClaimNextPending")
	defer span.End()

	for attempt := 1; attempt <= claimAttempts; attempt++ {
		img, err := m.claim(ctx)
		if errors.Is(err, errClaimLost) {
			slog.Debug("Lost claim race, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("claim image: %w", err)
		}
		if img == nil {
			return nil, nil
		}

		span.SetAttributes(attribute.String("image.id", img.ImageID))
		monitoring.ImagesClaimed.Inc()
		m.emit(ctx, hooks.EventImageClaimed, img, database.ImageStatusPending)
		slog.Info("Image claimed", "imageID", img.ImageID)
		return img, nil
	}

	slog.Warn("Gave up claiming a pending image", "attempts", claimAttempts)
	span.RecordError(ErrClaimContended)
	return nil, ErrClaimContended
}

func (m *Manager) claimOnce(ctx context.Context) (*database.Image, error) {
	var img database.Image
	found := false

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row lock; SQLite ignores the clause and serialises writers instead.
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", database.ImageStatusPending).
			Order("id").
			Take(&img).Error
		if database.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&database.Image{}).
			Where("id = ? AND status = ?", img.ID, database.ImageStatusPending).
			Update("status", database.ImageStatusBuilding)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errClaimLost
		}
		img.Status = database.ImageStatusBuilding
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	return &img, nil
}

// MarkStarted stamps started_at.
func (m *Manager) MarkStarted(ctx context.Context, actor Actor, imageID string) (*database.Image, error) {
	return m.stamp(ctx, actor, imageID, "started_at")
}

// MarkFinished stamps finished_at.
func (m *Manager) MarkFinished(ctx context.Context, actor Actor, imageID string) (*database.Image, error) {
	return m.stamp(ctx, actor, imageID, "finished_at")
}

func (m *Manager) stamp(ctx context.Context, actor Actor, imageID, column string) (*database.Image, error) {
	img, err := m.Get(ctx, actor, imageID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := m.db.WithContext(ctx).Model(img).Update(column, now).Error; err != nil {
		return nil, fmt.Errorf("update %s: %w", column, err)
	}
	if column == "started_at" {
		img.StartedAt = &now
	} else {
		img.FinishedAt = &now
	}
	return img, nil
}

// ChangeStatus moves the image to status. Only forward transitions of the
// lifecycle are accepted; anything else, including losing a race against
// another writer, is a conflict and persists nothing.
func (m *Manager) ChangeStatus(ctx context.Context, actor Actor, imageID, status string) (*database.Image, error) {
	ctx, span := tracer.Start(ctx, "images.ChangeStatus", trace.WithAttributes(
		attribute.String("image.id", imageID),
		attribute.String("image.status", status),
	))
	defer span.End()

	to, ok := ParseStatus(status)
	if !ok {
		return nil, apperr.Invalid("status", fmt.Sprintf("%q is not a valid status", status))
	}

	img, err := m.Get(ctx, actor, imageID)
	if err != nil {
		return nil, err
	}
	from := img.Status
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("image %s cannot move from %s to %s: %w", imageID, from, to, apperr.ErrConflict)
	}

	res := m.db.WithContext(ctx).Model(&database.Image{}).
		Where("id = ? AND status = ?", img.ID, from).
		Update("status", to)
	if res.Error != nil {
		span.RecordError(res.Error)
		return nil, fmt.Errorf("update status: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("image %s status changed concurrently: %w", imageID, apperr.ErrConflict)
	}
	img.Status = to

	monitoring.ImageStatusChanges.WithLabelValues(to).Inc()
	m.emit(ctx, hooks.EventImageStatusChanged, img, from)
	slog.Info("Image status changed", "imageID", imageID, "from", from, "to", to)
	return img, nil
}

// StoreBuildLog replaces the build log.
func (m *Manager) StoreBuildLog(ctx context.Context, actor Actor, imageID, text string) error {
	img, err := m.Get(ctx, actor, imageID)
	if err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).Model(img).Update("build_log", text).Error; err != nil {
		return fmt.Errorf("store build log: %w", err)
	}
	return nil
}

func (m *Manager) UpdateNotes(ctx context.Context, actor Actor, imageID, notes string) (*database.Image, error) {
	img, err := m.Get(ctx, actor, imageID)
	if err != nil {
		return nil, err
	}
	if err := m.db.WithContext(ctx).Model(img).Update("notes", notes).Error; err != nil {
		return nil, fmt.Errorf("update notes: %w", err)
	}
	img.Notes = notes
	return img, nil
}

// Get returns the image after checking that the actor may see it.
func (m *Manager) Get(ctx context.Context, actor Actor, imageID string) (*database.Image, error) {
	var img database.Image
	err := m.db.WithContext(ctx).Where("image_id = ?", imageID).First(&img).Error
	if database.IsNotFound(err) {
		return nil, fmt.Errorf("image %s: %w", imageID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	if !actor.Worker && img.UserID != actor.UserID {
		return nil, fmt.Errorf("image %s: %w", imageID, apperr.ErrForbidden)
	}
	return &img, nil
}

// List returns the user's images, oldest first.
func (m *Manager) List(ctx context.Context, userID uint) ([]database.Image, error) {
	var images []database.Image
	if err := m.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&images).Error; err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

// Delete removes the image permanently.
func (m *Manager) Delete(ctx context.Context, actor Actor, imageID string) error {
	img, err := m.Get(ctx, actor, imageID)
	if err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).Delete(&database.Image{}, img.ID).Error; err != nil {
		return fmt.Errorf("delete image: %w", err)
	}

	monitoring.ImagesDeleted.Inc()
	m.emit(ctx, hooks.EventImageDeleted, img, "")
	slog.Info("Image deleted", "imageID", imageID, "userID", img.UserID)
	return nil
}

// InterruptStale marks as interrupted every building image that started
// (or, if never started, was created) before cutoff.
func (m *Manager) InterruptStale(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []database.Image
	err := m.db.WithContext(ctx).
		Where("status = ? AND COALESCE(started_at, created_at) < ?", database.ImageStatusBuilding, cutoff.UTC()).
		Order("id").
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("find stale builds: %w", err)
	}

	interrupted := 0
	for i := range stale {
		img := &stale[i]
		res := m.db.WithContext(ctx).Model(&database.Image{}).
			Where("id = ? AND status = ?", img.ID, database.ImageStatusBuilding).
			Update("status", database.ImageStatusInterrupted)
		if res.Error != nil {
			return interrupted, fmt.Errorf("interrupt image %s: %w", img.ImageID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		img.Status = database.ImageStatusInterrupted
		interrupted++
		monitoring.ImagesInterrupted.Inc()
		monitoring.ImageStatusChanges.WithLabelValues(database.ImageStatusInterrupted).Inc()
		m.emit(ctx, hooks.EventImageStatusChanged, img, database.ImageStatusBuilding)
	}

	if interrupted > 0 {
		slog.Warn("Interrupted stale builds", "count", interrupted, "cutoff", cutoff)
	}
	return interrupted, nil
}

func (m *Manager) emit(ctx context.Context, eventType string, img *database.Image, previous string) {
	if m.hooks == nil {
		return
	}
	m.hooks.Emit(ctx, hooks.NewEvent(eventType).WithImage(hooks.Image{
		ImageID:        img.ImageID,
		UserID:         img.UserID,
		DeviceName:     img.DeviceName,
		DistroName:     img.DistroName,
		Flavour:        img.Flavour,
		Status:         img.Status,
		PreviousStatus: previous,
	}))
}
