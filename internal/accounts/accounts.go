// Package accounts implements user sign-up, credential checks, profile
// management, e-mail confirmation and password reset.
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/cusdeb/cusdeb-api/config"
	"github.com/cusdeb/cusdeb-api/internal/apperr"
	"github.com/cusdeb/cusdeb-api/internal/auth"
	"github.com/cusdeb/cusdeb-api/internal/database"
	"github.com/cusdeb/cusdeb-api/internal/hooks"
	"github.com/cusdeb/cusdeb-api/internal/monitoring"
)

const (
	msgUsernameEmpty   = "Username cannot be empty"
	msgPasswordEmpty   = "Password cannot be empty"
	msgEmailEmpty      = "Email cannot be empty"
	msgUsernameInUse   = "Username is already in use"
	msgEmailInUse      = "Email is already in use"
	msgEmailInvalid    = "Enter a valid email address"
	msgNoActiveAccount = "No active account found with the given credentials"
	msgWrongPassword   = "Old password is incorrect"
	msgPasswordsDiffer = "Passwords do not match"
	msgBadCredentials  = "Username or password is incorrect"
	msgTokenInvalid    = "Invalid or expired token"
	msgNoUserForEmail  = "There is no active user associated with this e-mail address"
)

const (
	originSignUp = "signup"
	originSocial = "social"
)

type SignUpRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type Service struct {
	db       *database.DB
	hooks    *hooks.Manager
	cfg      *config.Config
	validate *validator.Validate
	now      func() time.Time
}

// New creates the service. hookManager may be nil.
func New(db *database.DB, hookManager *hooks.Manager, cfg *config.Config) *Service {
	return &Service{
		db:       db,
		hooks:    hookManager,
		cfg:      cfg,
		validate: apperr.NewValidator(),
		now:      time.Now,
	}
}

// SignUp creates an active but unconfirmed account together with its person
// record and e-mail confirmation token. Every violated field is reported.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*database.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	v := apperr.NewValidation()
	if req.Username == "" {
		v.Add("username", msgUsernameEmpty)
	}
	if req.Password == "" {
		v.Add("password", msgPasswordEmpty)
	}
	if req.Email == "" {
		v.Add("email", msgEmailEmpty)
	} else if s.validate.Var(req.Email, "email") != nil {
		v.Add("email", msgEmailInvalid)
	}
	if req.Username != "" && s.usernameTaken(ctx, req.Username, 0) {
		v.Add("username", msgUsernameInUse)
	}
	if req.Email != "" && s.emailTaken(ctx, req.Email, 0) {
		v.Add("email", msgEmailInUse)
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	hash, salt, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	user := &database.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		PasswordSalt: salt,
		IsActive:     true,
	}

	token, err := s.createUser(ctx, user, false)
	if err != nil {
		if database.IsDuplicate(err) {
			return nil, apperr.Invalid("username", msgUsernameInUse)
		}
		return nil, fmt.Errorf("sign up: %w", err)
	}

	monitoring.UsersCreated.WithLabelValues(originSignUp).Inc()
	s.emit(ctx, hooks.NewEvent(hooks.EventUserCreated).
		WithUser(user.ID, user.Username, user.Email).
		WithToken(token, s.ttl(s.cfg.EmailConfirmationTTL)))
	slog.Info("User signed up", "userID", user.ID, "username", user.Username)
	return user, nil
}

// createUser inserts the user, its person and, unless confirmed, an e-mail
// confirmation token in one transaction. It returns the token key.
func (s *Service) createUser(ctx context.Context, user *database.User, confirmed bool) (string, error) {
	var key string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		person := database.Person{UserID: user.ID, EmailConfirmed: confirmed}
		if err := tx.Create(&person).Error; err != nil {
			return err
		}
		user.Person = person
		if confirmed {
			return nil
		}

		var err error
		if key, err = auth.RandomKey(); err != nil {
			return err
		}
		return tx.Create(&database.EmailConfirmationToken{
			PersonID:  person.ID,
			Key:       key,
			CreatedAt: s.now().UTC(),
		}).Error
	})
	return key, err
}

// Authenticate checks credentials. The username is matched
// case-insensitively; the account must be active and its e-mail confirmed.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*database.User, error) {
	var user database.User
	err := s.db.WithContext(ctx).Preload("Person").
		Where("LOWER(username) = LOWER(?)", username).
		First(&user).Error
	if database.IsNotFound(err) {
		// Hash anyway so a missing user takes as long as a wrong password.
		_, _, _ = auth.HashPassword(password)
		return nil, apperr.Invalid("non_field_errors", msgNoActiveAccount)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	if !auth.VerifyPassword(password, user.PasswordSalt, user.PasswordHash) ||
		!user.IsActive || !user.Person.EmailConfirmed {
		return nil, apperr.Invalid("non_field_errors", msgNoActiveAccount)
	}

	now := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&user).Update("last_login_at", now).Error; err != nil {
		slog.Warn("Failed to record last login", "error", err, "userID", user.ID)
	}
	user.LastLoginAt = &now
	return &user, nil
}

func (s *Service) WhoAmI(ctx context.Context, userID uint) (*database.User, error) {
	return s.load(ctx, userID)
}

// UpdatePassword changes the password after checking the old one.
func (s *Service) UpdatePassword(ctx context.Context, userID uint, oldPassword, password, retype string) error {
	user, err := s.load(ctx, userID)
	if err != nil {
		return err
	}

	v := apperr.NewValidation()
	if !auth.VerifyPassword(oldPassword, user.PasswordSalt, user.PasswordHash) {
		v.Add("old_password", msgWrongPassword)
	}
	if password == "" {
		v.Add("password", msgPasswordEmpty)
	} else if password != retype {
		v.Add("retype_password", msgPasswordsDiffer)
	}
	if err := v.OrNil(); err != nil {
		return err
	}

	return s.setPassword(ctx, user, password)
}

func (s *Service) setPassword(ctx context.Context, user *database.User, password string) error {
	hash, salt, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(user).Updates(map[string]interface{}{
		"password_hash": hash,
		"password_salt": salt,
	}).Error
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// UpdateLogin changes username and e-mail, both of which must stay unique.
func (s *Service) UpdateLogin(ctx context.Context, userID uint, username, email string) (*database.User, error) {
	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	v := apperr.NewValidation()
	if username == "" {
		v.Add("username", msgUsernameEmpty)
	} else if s.usernameTaken(ctx, username, user.ID) {
		v.Add("username", msgUsernameInUse)
	}
	if email == "" {
		v.Add("email", msgEmailEmpty)
	} else if s.validate.Var(email, "email") != nil {
		v.Add("email", msgEmailInvalid)
	} else if s.emailTaken(ctx, email, user.ID) {
		v.Add("email", msgEmailInUse)
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(user).Updates(map[string]interface{}{
		"username": username,
		"email":    email,
	}).Error
	if database.IsDuplicate(err) {
		return nil, apperr.Invalid("username", msgUsernameInUse)
	}
	if err != nil {
		return nil, fmt.Errorf("update login: %w", err)
	}
	user.Username, user.Email = username, email
	return user, nil
}

// DeleteProfile removes the account after the user re-enters username and
// password. With the protect policy an account owning images cannot be
// deleted; with cascade its images go with it.
func (s *Service) DeleteProfile(ctx context.Context, userID uint, username, password string) error {
	user, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(username, user.Username) ||
		!auth.VerifyPassword(password, user.PasswordSalt, user.PasswordHash) {
		return apperr.Invalid("non_field_errors", msgBadCredentials)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.cfg.UserDeletePolicy == config.DeletePolicyProtect {
			var owned int64
			if err := tx.Model(&database.Image{}).Where("user_id = ?", user.ID).Count(&owned).Error; err != nil {
				return err
			}
			if owned > 0 {
				return fmt.Errorf("user %d owns %d images: %w", user.ID, owned, apperr.ErrConflict)
			}
		}
		return deleteUser(tx, user.ID)
	})
	if err != nil {
		return err
	}

	slog.Info("User deleted", "userID", user.ID, "policy", s.cfg.UserDeletePolicy)
	return nil
}

func deleteUser(tx *gorm.DB, userID uint) error {
	if err := tx.Where("user_id = ?", userID).Delete(&database.Image{}).Error; err != nil {
		return err
	}
	if err := tx.Where("user_id = ?", userID).Delete(&database.PasswordResetToken{}).Error; err != nil {
		return err
	}
	personIDs := tx.Model(&database.Person{}).Select("id").Where("user_id = ?", userID)
	if err := tx.Where("person_id IN (?)", personIDs).Delete(&database.EmailConfirmationToken{}).Error; err != nil {
		return err
	}
	if err := tx.Where("user_id = ?", userID).Delete(&database.Person{}).Error; err != nil {
		return err
	}
	return tx.Delete(&database.User{}, userID).Error
}

// ConfirmEmail clears expired tokens, then confirms the e-mail of the
// token's owner and consumes the token.
func (s *Service) ConfirmEmail(ctx context.Context, key string) error {
	if _, err := s.SweepExpiredTokens(ctx); err != nil {
		return err
	}

	if key == "" {
		return apperr.Invalid("token", msgTokenInvalid)
	}
	var token database.EmailConfirmationToken
	err := s.db.WithContext(ctx).Preload("Person").
		Where(&database.EmailConfirmationToken{Key: key}).
		First(&token).Error
	if database.IsNotFound(err) {
		return apperr.Invalid("token", msgTokenInvalid)
	}
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&database.Person{}).Where("id = ?", token.PersonID).
			Update("email_confirmed", true).Error; err != nil {
			return err
		}
		return tx.Delete(&token).Error
	})
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}

	if user, err := s.load(ctx, token.Person.UserID); err == nil {
		s.emit(ctx, hooks.NewEvent(hooks.EventEmailConfirmed).WithUser(user.ID, user.Username, user.Email))
	}
	return nil
}

// RequestPasswordReset creates a reset token for the active user with the
// given e-mail and announces it to listeners.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return apperr.Invalid("email", msgEmailEmpty)
	}

	var user database.User
	err := s.db.WithContext(ctx).
		Where("LOWER(email) = LOWER(?) AND is_active = ?", email, true).
		First(&user).Error
	if database.IsNotFound(err) {
		return apperr.Invalid("email", msgNoUserForEmail)
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	key, err := auth.RandomKey()
	if err != nil {
		return err
	}
	token := database.PasswordResetToken{UserID: user.ID, Key: key, CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(&token).Error; err != nil {
		return fmt.Errorf("create reset token: %w", err)
	}

	s.emit(ctx, hooks.NewEvent(hooks.EventPasswordResetCreated).
		WithUser(user.ID, user.Username, user.Email).
		WithToken(key, s.ttl(s.cfg.PasswordResetTTL)))
	return nil
}

// ResetPassword sets a new password using a reset token. Every outstanding
// token of the user is consumed.
func (s *Service) ResetPassword(ctx context.Context, key, password string) error {
	if _, err := s.SweepExpiredTokens(ctx); err != nil {
		return err
	}

	v := apperr.NewValidation()
	var token database.PasswordResetToken
	if key == "" {
		v.Add("token", msgTokenInvalid)
	} else {
		err := s.db.WithContext(ctx).Preload("User").
			Where(&database.PasswordResetToken{Key: key}).
			First(&token).Error
		if database.IsNotFound(err) {
			v.Add("token", msgTokenInvalid)
		} else if err != nil {
			return fmt.Errorf("load token: %w", err)
		}
	}
	if password == "" {
		v.Add("password", msgPasswordEmpty)
	}
	if err := v.OrNil(); err != nil {
		return err
	}

	if err := s.setPassword(ctx, &token.User, password); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("user_id = ?", token.UserID).Delete(&database.PasswordResetToken{}).Error; err != nil {
		return fmt.Errorf("consume reset tokens: %w", err)
	}
	return nil
}

// FindOrCreateSocial maps an e-mail verified by a social provider to an
// account, creating a confirmed one without a usable password when needed.
func (s *Service) FindOrCreateSocial(ctx context.Context, email, username string) (*database.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, apperr.Invalid("email", msgEmailEmpty)
	}

	var user database.User
	err := s.db.WithContext(ctx).Preload("Person").Where("LOWER(email) = LOWER(?)", email).First(&user).Error
	if err == nil {
		if !user.IsActive {
			return nil, apperr.Invalid("non_field_errors", msgNoActiveAccount)
		}
		if !user.Person.EmailConfirmed {
			if err := s.db.WithContext(ctx).Model(&user.Person).Update("email_confirmed", true).Error; err != nil {
				return nil, fmt.Errorf("confirm social email: %w", err)
			}
			user.Person.EmailConfirmed = true
		}
		return &user, nil
	}
	if !database.IsNotFound(err) {
		return nil, fmt.Errorf("load user: %w", err)
	}

	base := strings.TrimSpace(username)
	if base == "" {
		base = strings.SplitN(email, "@", 2)[0]
	}
	candidate := base
	for i := 1; s.usernameTaken(ctx, candidate, 0); i++ {
		candidate = base + strconv.Itoa(i)
	}

	user = database.User{Username: candidate, Email: email, IsActive: true}
	if _, err := s.createUser(ctx, &user, true); err != nil {
		return nil, fmt.Errorf("create social user: %w", err)
	}

	monitoring.UsersCreated.WithLabelValues(originSocial).Inc()
	s.emit(ctx, hooks.NewEvent(hooks.EventUserCreated).WithUser(user.ID, user.Username, user.Email))
	slog.Info("User created from social login", "userID", user.ID, "username", user.Username)
	return &user, nil
}

// SweepExpiredTokens removes e-mail confirmation and password reset tokens
// older than their TTL.
func (s *Service) SweepExpiredTokens(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	db := s.db.WithContext(ctx)

	confirm := db.Where("created_at <= ?", now.Add(-s.ttl(s.cfg.EmailConfirmationTTL))).
		Delete(&database.EmailConfirmationToken{})
	if confirm.Error != nil {
		return 0, fmt.Errorf("sweep confirmation tokens: %w", confirm.Error)
	}
	reset := db.Where("created_at <= ?", now.Add(-s.ttl(s.cfg.PasswordResetTTL))).
		Delete(&database.PasswordResetToken{})
	if reset.Error != nil {
		return confirm.RowsAffected, fmt.Errorf("sweep reset tokens: %w", reset.Error)
	}

	swept := confirm.RowsAffected + reset.RowsAffected
	if swept > 0 {
		monitoring.TokensSwept.Add(float64(swept))
		slog.Debug("Swept expired tokens", "count", swept)
	}
	return swept, nil
}

func (s *Service) load(ctx context.Context, userID uint) (*database.User, error) {
	var user database.User
	err := s.db.WithContext(ctx).Preload("Person").First(&user, userID).Error
	if database.IsNotFound(err) {
		return nil, fmt.Errorf("user %d: %w", userID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}

func (s *Service) usernameTaken(ctx context.Context, username string, exceptID uint) bool {
	return s.exists(ctx, "LOWER(username) = LOWER(?)", username, exceptID)
}

func (s *Service) emailTaken(ctx context.Context, email string, exceptID uint) bool {
	return s.exists(ctx, "LOWER(email) = LOWER(?)", email, exceptID)
}

func (s *Service) exists(ctx context.Context, cond, value string, exceptID uint) bool {
	var count int64
	err := s.db.WithContext(ctx).Model(&database.User{}).
		Where(cond, value).
		Where("id <> ?", exceptID).
		Count(&count).Error
	if err != nil {
		slog.Error("Uniqueness check failed", "error", err)
		return false
	}
	return count > 0
}

func (s *Service) ttl(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

func (s *Service) emit(ctx context.Context, event *hooks.Event) {
	if s.hooks != nil {
		s.hooks.Emit(ctx, event)
	}
}
