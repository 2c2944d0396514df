package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cusdeb/cusdeb-api/config"
	"github.com/cusdeb/cusdeb-api/internal/apperr"
	"github.com/cusdeb/cusdeb-api/internal/database"
	"github.com/cusdeb/cusdeb-api/internal/hooks"
	"github.com/cusdeb/cusdeb-api/internal/testutil"
)

type fixture struct {
	svc    *Service
	db     *database.DB
	events []*hooks.Event
}

func newFixture(t *testing.T, policy string) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	hookManager := hooks.New(db)
	cfg := &config.Config{
		EmailConfirmationTTL: 1440,
		PasswordResetTTL:     60,
		UserDeletePolicy:     policy,
	}
	f := &fixture{svc: New(db, hookManager, cfg), db: db}
	hookManager.Subscribe("*", func(ctx context.Context, e *hooks.Event) {
		f.events = append(f.events, e)
	})
	return f
}

func (f *fixture) lastToken(t *testing.T, eventType string) string {
	t.Helper()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Type == eventType && f.events[i].Token != nil {
			return f.events[i].Token.Key
		}
	}
	t.Fatalf("no %s event with a token", eventType)
	return ""
}

// signUpConfirmed creates an account and confirms its e-mail.
func (f *fixture) signUpConfirmed(t *testing.T, username, password, email string) *database.User {
	t.Helper()
	ctx := context.Background()
	user, err := f.svc.SignUp(ctx, SignUpRequest{Username: username, Password: password, Email: email})
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmEmail(ctx, f.lastToken(t, hooks.EventUserCreated)))
	return user
}

func TestSignUp(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)

	user, err := f.svc.SignUp(context.Background(), SignUpRequest{
		Username: "test.user",
		Password: "cusdeb_password",
		Email:    "test.user@domain.com",
	})
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.True(t, user.IsActive)
	assert.False(t, user.Person.EmailConfirmed)

	var token database.EmailConfirmationToken
	require.NoError(t, f.db.Where("person_id = ?", user.Person.ID).First(&token).Error)
	assert.Len(t, token.Key, 64)

	require.Len(t, f.events, 1)
	assert.Equal(t, hooks.EventUserCreated, f.events[0].Type)
	assert.Equal(t, token.Key, f.events[0].Token.Key)
	assert.Equal(t, 24*time.Hour, f.events[0].Token.ExpiresIn)
}

func TestSignUpCollectsAllErrors(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)

	_, err := f.svc.SignUp(context.Background(), SignUpRequest{})
	require.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Equal(t, map[string][]string{
		"username": {"Username cannot be empty"},
		"password": {"Password cannot be empty"},
		"email":    {"Email cannot be empty"},
	}, apperr.Fields(err))
}

func TestSignUpDuplicates(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()

	_, err := f.svc.SignUp(ctx, SignUpRequest{Username: "test.user", Password: "pw", Email: "test.user@domain.com"})
	require.NoError(t, err)

	_, err = f.svc.SignUp(ctx, SignUpRequest{Username: "Test.User", Password: "pw", Email: "TEST.USER@domain.com"})
	require.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Equal(t, map[string][]string{
		"username": {"Username is already in use"},
		"email":    {"Email is already in use"},
	}, apperr.Fields(err))
}

func TestSignUpInvalidEmail(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)

	_, err := f.svc.SignUp(context.Background(), SignUpRequest{Username: "u", Password: "p", Email: "not-an-email"})
	require.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Equal(t, []string{"Enter a valid email address"}, apperr.Fields(err)["email"])
}

func TestAuthenticateRequiresConfirmedEmail(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()

	_, err := f.svc.SignUp(ctx, SignUpRequest{Username: "test.user", Password: "secret", Email: "t@example.com"})
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, "test.user", "secret")
	require.ErrorIs(t, err, apperr.ErrInvalid)

	require.NoError(t, f.svc.ConfirmEmail(ctx, f.lastToken(t, hooks.EventUserCreated)))

	user, err := f.svc.Authenticate(ctx, "TEST.USER", "secret")
	require.NoError(t, err)
	assert.Equal(t, "test.user", user.Username)
	assert.NotNil(t, user.LastLoginAt)
}

func TestAuthenticateFailures(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()
	f.signUpConfirmed(t, "test.user", "secret", "t@example.com")

	for _, tc := range []struct{ username, password string }{
		{"test.user", "wrong"},
		{"non.existent.user", "secret"},
	} {
		_, err := f.svc.Authenticate(ctx, tc.username, tc.password)
		require.ErrorIs(t, err, apperr.ErrInvalid)
		assert.Equal(t, []string{"No active account found with the given credentials"},
			apperr.Fields(err)["non_field_errors"])
	}

	require.NoError(t, f.db.Model(&database.User{}).Where("username = ?", "test.user").Update("is_active", false).Error)
	_, err := f.svc.Authenticate(ctx, "test.user", "secret")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestConfirmEmail(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()

	_, err := f.svc.SignUp(ctx, SignUpRequest{Username: "u", Password: "p", Email: "u@example.com"})
	require.NoError(t, err)
	key := f.lastToken(t, hooks.EventUserCreated)

	require.NoError(t, f.svc.ConfirmEmail(ctx, key))
	assert.Equal(t, hooks.EventEmailConfirmed, f.events[len(f.events)-1].Type)

	// The token is consumed.
	err = f.svc.ConfirmEmail(ctx, key)
	require.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Contains(t, apperr.Fields(err), "token")

	assert.ErrorIs(t, f.svc.ConfirmEmail(ctx, ""), apperr.ErrInvalid)
}

func TestConfirmEmailExpired(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()

	signedUpAt := time.Now()
	f.svc.now = func() time.Time { return signedUpAt }
	_, err := f.svc.SignUp(ctx, SignUpRequest{Username: "u", Password: "p", Email: "u@example.com"})
	require.NoError(t, err)
	key := f.lastToken(t, hooks.EventUserCreated)

	f.svc.now = func() time.Time { return signedUpAt.Add(25 * time.Hour) }
	assert.ErrorIs(t, f.svc.ConfirmEmail(ctx, key), apperr.ErrInvalid)

	var count int64
	f.db.Model(&database.EmailConfirmationToken{}).Count(&count)
	assert.Zero(t, count, "expired tokens are swept before confirming")
}

func TestWhoAmI(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	user := f.signUpConfirmed(t, "test.user", "p", "test.user@domain.com")

	got, err := f.svc.WhoAmI(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "test.user", got.Username)
	assert.Equal(t, "test.user@domain.com", got.Email)

	_, err = f.svc.WhoAmI(context.Background(), 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdatePassword(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()
	user := f.signUpConfirmed(t, "u", "old-secret", "u@example.com")

	err := f.svc.UpdatePassword(ctx, user.ID, "wrong", "new", "other")
	require.ErrorIs(t, err, apperr.ErrInvalid)
	fields := apperr.Fields(err)
	assert.Contains(t, fields, "old_password")
	assert.Contains(t, fields, "retype_password")

	require.NoError(t, f.svc.UpdatePassword(ctx, user.ID, "old-secret", "new-secret", "new-secret"))

	_, err = f.svc.Authenticate(ctx, "u", "old-secret")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = f.svc.Authenticate(ctx, "u", "new-secret")
	assert.NoError(t, err)
}

func TestUpdateLogin(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()
	alice := f.signUpConfirmed(t, "alice", "p", "alice@example.com")
	f.signUpConfirmed(t, "bob", "p", "bob@example.com")

	_, err := f.svc.UpdateLogin(ctx, alice.ID, "BOB", "bob@example.com")
	require.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Equal(t, map[string][]string{
		"username": {"Username is already in use"},
		"email":    {"Email is already in use"},
	}, apperr.Fields(err))

	// Keeping one's own values is not a conflict.
	updated, err := f.svc.UpdateLogin(ctx, alice.ID, "alice", "alice@new.example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@new.example.com", updated.Email)
}

func createImages(t *testing.T, db *database.DB, userID uint, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, db.Create(&database.Image{
			UserID:  userID,
			ImageID: uuid.NewString(),
			Flavour: database.FlavourClassic,
			Status:  database.ImageStatusPending,
		}).Error)
	}
}

func TestDeleteProfileCascade(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()
	user := f.signUpConfirmed(t, "u", "secret", "u@example.com")
	other := f.signUpConfirmed(t, "v", "secret", "v@example.com")
	createImages(t, f.db, user.ID, 2)
	createImages(t, f.db, other.ID, 1)

	err := f.svc.DeleteProfile(ctx, user.ID, "u", "wrong")
	require.ErrorIs(t, err, apperr.ErrInvalid)

	require.NoError(t, f.svc.DeleteProfile(ctx, user.ID, "U", "secret"))

	var users, images, persons int64
	f.db.Model(&database.User{}).Count(&users)
	f.db.Model(&database.Image{}).Count(&images)
	f.db.Model(&database.Person{}).Count(&persons)
	assert.EqualValues(t, 1, users)
	assert.EqualValues(t, 1, images)
	assert.EqualValues(t, 1, persons)
}

func TestDeleteProfileProtect(t *testing.T) {
	f := newFixture(t, config.DeletePolicyProtect)
	ctx := context.Background()
	user := f.signUpConfirmed(t, "u", "secret", "u@example.com")
	createImages(t, f.db, user.ID, 1)

	err := f.svc.DeleteProfile(ctx, user.ID, "u", "secret")
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.svc.WhoAmI(ctx, user.ID)
	require.NoError(t, err)

	require.NoError(t, f.db.Where("user_id = ?", user.ID).Delete(&database.Image{}).Error)
	require.NoError(t, f.svc.DeleteProfile(ctx, user.ID, "u", "secret"))
	_, err = f.svc.WhoAmI(ctx, user.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()
	f.signUpConfirmed(t, "u", "old", "u@example.com")

	err := f.svc.RequestPasswordReset(ctx, "nobody@example.com")
	require.ErrorIs(t, err, apperr.ErrInvalid)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "U@example.com"))
	key := f.lastToken(t, hooks.EventPasswordResetCreated)
	assert.Equal(t, time.Hour, f.events[len(f.events)-1].Token.ExpiresIn)

	err = f.svc.ResetPassword(ctx, key, "")
	require.ErrorIs(t, err, apperr.ErrInvalid)
	assert.Contains(t, apperr.Fields(err), "password")

	require.NoError(t, f.svc.ResetPassword(ctx, key, "new"))
	_, err = f.svc.Authenticate(ctx, "u", "new")
	require.NoError(t, err)

	// Tokens are single use.
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, key, "newer"), apperr.ErrInvalid)
}

func TestPasswordResetExpired(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()
	f.signUpConfirmed(t, "u", "old", "u@example.com")

	requestedAt := time.Now()
	f.svc.now = func() time.Time { return requestedAt }
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "u@example.com"))
	key := f.lastToken(t, hooks.EventPasswordResetCreated)

	f.svc.now = func() time.Time { return requestedAt.Add(2 * time.Hour) }
	assert.ErrorIs(t, f.svc.ResetPassword(ctx, key, "new"), apperr.ErrInvalid)
}

func TestFindOrCreateSocial(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()
	f.signUpConfirmed(t, "octocat", "p", "octo@example.com")

	existing, err := f.svc.FindOrCreateSocial(ctx, "OCTO@example.com", "octocat")
	require.NoError(t, err)
	assert.Equal(t, "octocat", existing.Username)

	created, err := f.svc.FindOrCreateSocial(ctx, "other@example.com", "octocat")
	require.NoError(t, err)
	assert.Equal(t, "octocat1", created.Username)
	assert.True(t, created.Person.EmailConfirmed)

	// Social accounts have no usable password.
	_, err = f.svc.Authenticate(ctx, "octocat1", "")
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	again, err := f.svc.FindOrCreateSocial(ctx, "other@example.com", "someone")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
}

func TestSweepExpiredTokens(t *testing.T) {
	f := newFixture(t, config.DeletePolicyCascade)
	ctx := context.Background()

	start := time.Now()
	f.svc.now = func() time.Time { return start }
	_, err := f.svc.SignUp(ctx, SignUpRequest{Username: "old", Password: "p", Email: "old@example.com"})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return start.Add(23 * time.Hour) }
	_, err = f.svc.SignUp(ctx, SignUpRequest{Username: "new", Password: "p", Email: "new@example.com"})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return start.Add(24*time.Hour + time.Minute) }
	swept, err := f.svc.SweepExpiredTokens(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	var count int64
	f.db.Model(&database.EmailConfirmationToken{}).Count(&count)
	assert.EqualValues(t, 1, count)
}
