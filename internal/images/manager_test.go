package images

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cusdeb/cusdeb-api/internal/apperr"
	"github.com/cusdeb/cusdeb-api/internal/database"
	"github.com/cusdeb/cusdeb-api/internal/hooks"
	"github.com/cusdeb/cusdeb-api/internal/testutil"
)

const (
	owner    uint = 1
	stranger uint = 2
)

func newManager(t *testing.T) (*Manager, *database.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return New(db, nil), db
}

func createImage(t *testing.T, m *Manager, userID uint) *database.Image {
	t.Helper()
	img, err := m.Create(context.Background(), UserActor(userID), CreateRequest{
		ImageID:    uuid.NewString(),
		DeviceName: "Raspberry Pi 3 Model B",
		DistroName: `Debian 10 "Buster" (32-bit)`,
		Flavour:    "Classic",
	})
	require.NoError(t, err)
	return img
}

func TestCreateAndList(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	img, err := m.Create(ctx, UserActor(owner), CreateRequest{
		ImageID:    "21d4ad3f-6a0b-4a8e-9f0e-c0ffee000001",
		DeviceName: "Raspberry Pi 3 Model B",
		DistroName: `Debian 10 "Buster" (32-bit)`,
		Flavour:    "Classic",
	})
	require.NoError(t, err)
	assert.Equal(t, database.ImageStatusPending, img.Status)
	assert.Equal(t, database.FlavourClassic, img.Flavour)
	assert.False(t, img.CreatedAt.IsZero())
	assert.Nil(t, img.StartedAt)
	assert.Nil(t, img.FinishedAt)

	list, err := m.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)

	summary := NewSummary(list[0])
	assert.Equal(t, "21d4ad3f-6a0b-4a8e-9f0e-c0ffee000001", summary.ImageID)
	assert.Equal(t, "Pending", summary.Status)
	assert.Equal(t, "Classic", summary.Flavour)
	assert.Equal(t, "", summary.Notes)

	other, err := m.List(ctx, stranger)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCreateDefaultsFlavour(t *testing.T) {
	m, _ := newManager(t)

	img, err := m.Create(context.Background(), UserActor(owner), CreateRequest{
		ImageID:    uuid.NewString(),
		DeviceName: "Orange Pi PC",
		DistroName: "Ubuntu 18.04",
	})
	require.NoError(t, err)
	assert.Equal(t, database.FlavourClassic, img.Flavour)
}

func TestCreateValidation(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.Create(context.Background(), UserActor(owner), CreateRequest{
		ImageID: "not-a-uuid",
		Flavour: "img.gz",
	})
	require.ErrorIs(t, err, apperr.ErrInvalid)

	fields := apperr.Fields(err)
	assert.Contains(t, fields, "image_id")
	assert.Contains(t, fields, "device_name")
	assert.Contains(t, fields, "distro_name")
	assert.Contains(t, fields, "flavour")
}

func TestCreateDuplicateImageID(t *testing.T) {
	m, _ := newManager(t)
	img := createImage(t, m, owner)

	_, err := m.Create(context.Background(), UserActor(stranger), CreateRequest{
		ImageID:    img.ImageID,
		DeviceName: "Raspberry Pi 4",
		DistroName: "Debian 11",
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestClaimNextPendingEmpty(t *testing.T) {
	m, _ := newManager(t)

	img, err := m.ClaimNextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, img)
}

func TestClaimNextPendingOrder(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	first := createImage(t, m, owner)
	second := createImage(t, m, stranger)

	claimed, err := m.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ImageID, claimed.ImageID)
	assert.Equal(t, database.ImageStatusBuilding, claimed.Status)

	claimed, err = m.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ImageID, claimed.ImageID)

	claimed, err = m.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextPendingContended(t *testing.T) {
	m, _ := newManager(t)
	img := createImage(t, m, owner)

	calls := 0
	m.claim = func(ctx context.Context) (*database.Image, error) {
		calls++
		return nil, errClaimLost
	}

	claimed, err := m.ClaimNextPending(context.Background())
	assert.Nil(t, claimed)
	assert.ErrorIs(t, err, ErrClaimContended)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, claimAttempts, calls)

	got, err := m.Get(context.Background(), WorkerActor, img.ImageID)
	require.NoError(t, err)
	assert.Equal(t, database.ImageStatusPending, got.Status)

	// One lost race is absorbed by the retry.
	calls = 0
	m.claim = func(ctx context.Context) (*database.Image, error) {
		calls++
		if calls == 1 {
			return nil, errClaimLost
		}
		return m.claimOnce(ctx)
	}
	claimed, err = m.ClaimNextPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, img.ImageID, claimed.ImageID)
}

func TestClaimNextPendingConcurrent(t *testing.T) {
	m, _ := newManager(t)
	const pending, claimers = 5, 12

	for i := 0; i < pending; i++ {
		createImage(t, m, owner)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
		none    int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := m.ClaimNextPending(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if img == nil {
				none++
				return
			}
			claimed[img.ImageID]++
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, pending)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "image %s claimed %d times", id, n)
	}
	assert.Equal(t, claimers-pending, none)
}

func TestLifecycle(t *testing.T) {
	m, db := newManager(t)
	ctx := context.Background()
	img := createImage(t, m, owner)

	claimed, err := m.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.Equal(t, img.ImageID, claimed.ImageID)

	started, err := m.MarkStarted(ctx, WorkerActor, img.ImageID)
	require.NoError(t, err)
	assert.NotNil(t, started.StartedAt)

	require.NoError(t, m.StoreBuildLog(ctx, WorkerActor, img.ImageID, "step 1\nstep 2\n"))

	_, err = m.MarkFinished(ctx, WorkerActor, img.ImageID)
	require.NoError(t, err)

	done, err := m.ChangeStatus(ctx, WorkerActor, img.ImageID, "Succeeded")
	require.NoError(t, err)
	assert.Equal(t, database.ImageStatusSucceeded, done.Status)

	var stored database.Image
	require.NoError(t, db.Where("image_id = ?", img.ImageID).First(&stored).Error)
	assert.Equal(t, database.ImageStatusSucceeded, stored.Status)
	assert.Equal(t, "step 1\nstep 2\n", stored.BuildLog)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, img.CreatedAt.Unix(), stored.CreatedAt.Unix())

	// A terminal image is never claimed again.
	again, err := m.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestChangeStatusRejectsIllegalTransitions(t *testing.T) {
	m, db := newManager(t)
	ctx := context.Background()
	img := createImage(t, m, owner)

	// pending cannot jump to a terminal status
	_, err := m.ChangeStatus(ctx, WorkerActor, img.ImageID, database.ImageStatusSucceeded)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = m.ChangeStatus(ctx, WorkerActor, img.ImageID, database.ImageStatusBuilding)
	require.NoError(t, err)

	_, err = m.ChangeStatus(ctx, WorkerActor, img.ImageID, database.ImageStatusPending)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = m.ChangeStatus(ctx, WorkerActor, img.ImageID, database.ImageStatusFailed)
	require.NoError(t, err)

	for _, to := range []string{database.ImageStatusPending, database.ImageStatusBuilding, database.ImageStatusSucceeded} {
		_, err = m.ChangeStatus(ctx, WorkerActor, img.ImageID, to)
		assert.ErrorIs(t, err, apperr.ErrConflict, "failed -> %s", to)
	}

	var stored database.Image
	require.NoError(t, db.Where("image_id = ?", img.ImageID).First(&stored).Error)
	assert.Equal(t, database.ImageStatusFailed, stored.Status)
}

func TestChangeStatusInvalidValue(t *testing.T) {
	m, _ := newManager(t)
	img := createImage(t, m, owner)

	_, err := m.ChangeStatus(context.Background(), WorkerActor, img.ImageID, "exploded")
	require.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Contains(t, apperr.Fields(err), "status")
}

func TestOwnership(t *testing.T) {
	m, db := newManager(t)
	ctx := context.Background()
	img := createImage(t, m, owner)
	foreign := UserActor(stranger)

	_, err := m.Get(ctx, foreign, img.ImageID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = m.UpdateNotes(ctx, foreign, img.ImageID, "mine now")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = m.ChangeStatus(ctx, foreign, img.ImageID, database.ImageStatusBuilding)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	assert.ErrorIs(t, m.StoreBuildLog(ctx, foreign, img.ImageID, "x"), apperr.ErrForbidden)
	assert.ErrorIs(t, m.Delete(ctx, foreign, img.ImageID), apperr.ErrForbidden)

	var stored database.Image
	require.NoError(t, db.Where("image_id = ?", img.ImageID).First(&stored).Error)
	assert.Equal(t, database.ImageStatusPending, stored.Status)
	assert.Empty(t, stored.Notes)
	assert.Empty(t, stored.BuildLog)

	got, err := m.Get(ctx, UserActor(owner), img.ImageID)
	require.NoError(t, err)
	assert.Equal(t, img.ImageID, got.ImageID)
}

func TestUpdateNotes(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	img := createImage(t, m, owner)

	updated, err := m.UpdateNotes(ctx, UserActor(owner), img.ImageID, "for the living room")
	require.NoError(t, err)
	assert.Equal(t, "for the living room", updated.Notes)

	got, err := m.Get(ctx, UserActor(owner), img.ImageID)
	require.NoError(t, err)
	assert.Equal(t, "for the living room", got.Notes)
}

func TestDeleteNotFound(t *testing.T) {
	m, db := newManager(t)
	createImage(t, m, owner)

	err := m.Delete(context.Background(), UserActor(owner), uuid.NewString())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	var count int64
	db.Model(&database.Image{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestDeleteOwn(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	img := createImage(t, m, owner)

	require.NoError(t, m.Delete(ctx, UserActor(owner), img.ImageID))

	_, err := m.Get(ctx, UserActor(owner), img.ImageID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInterruptStale(t *testing.T) {
	m, db := newManager(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	old := createImage(t, m, owner)
	fresh := createImage(t, m, owner)
	waiting := createImage(t, m, owner)

	for range 2 {
		_, err := m.ClaimNextPending(ctx)
		require.NoError(t, err)
	}
	_, err := m.MarkStarted(ctx, WorkerActor, old.ImageID)
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(90 * time.Minute) }
	_, err = m.MarkStarted(ctx, WorkerActor, fresh.ImageID)
	require.NoError(t, err)

	n, err := m.InterruptStale(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status := func(imageID string) string {
		var img database.Image
		require.NoError(t, db.Where("image_id = ?", imageID).First(&img).Error)
		return img.Status
	}
	assert.Equal(t, database.ImageStatusInterrupted, status(old.ImageID))
	assert.Equal(t, database.ImageStatusBuilding, status(fresh.ImageID))
	assert.Equal(t, database.ImageStatusPending, status(waiting.ImageID))
}

func TestEventsEmitted(t *testing.T) {
	db := testutil.NewDB(t)
	hookManager := hooks.New(db)
	m := New(db, hookManager)
	ctx := context.Background()

	var events []*hooks.Event
	hookManager.Subscribe("*", func(ctx context.Context, e *hooks.Event) {
		events = append(events, e)
	})

	img := createImage(t, m, owner)
	_, err := m.ClaimNextPending(ctx)
	require.NoError(t, err)
	_, err = m.ChangeStatus(ctx, WorkerActor, img.ImageID, database.ImageStatusFailed)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, UserActor(owner), img.ImageID))

	require.Len(t, events, 4)
	assert.Equal(t, hooks.EventImageCreated, events[0].Type)
	assert.Equal(t, hooks.EventImageClaimed, events[1].Type)
	assert.Equal(t, hooks.EventImageStatusChanged, events[2].Type)
	assert.Equal(t, database.ImageStatusBuilding, events[2].Image.PreviousStatus)
	assert.Equal(t, database.ImageStatusFailed, events[2].Image.Status)
	assert.Equal(t, hooks.EventImageDeleted, events[3].Type)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, CanTransition(database.ImageStatusPending, database.ImageStatusBuilding))
	assert.False(t, CanTransition(database.ImageStatusBuilding, database.ImageStatusPending))
	assert.False(t, CanTransition(database.ImageStatusSucceeded, database.ImageStatusFailed))
	assert.True(t, IsTerminal(database.ImageStatusInterrupted))
	assert.False(t, IsTerminal(database.ImageStatusBuilding))
	assert.False(t, IsTerminal("bogus"))

	s, ok := ParseStatus("Interrupted")
	assert.True(t, ok)
	assert.Equal(t, database.ImageStatusInterrupted, s)
	_, ok = ParseFlavour("img.gz")
	assert.False(t, ok)
	assert.Equal(t, "Mender", FlavourLabel(database.FlavourMender))
}
