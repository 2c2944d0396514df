package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cusdeb/cusdeb-api/config"
	"github.com/cusdeb/cusdeb-api/internal/database"
)

type contextKey string

const (
	apiKeyHeader   = "X-API-Key"
	contextUserKey = contextKey("userID")

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongType    = errors.New("wrong token type")
	ErrUnknownUser  = errors.New("user does not exist or is inactive")
)

// Claims are the JWT claims issued for a user.
type Claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
	UserID    uint   `json:"user_id"`
}

// TokenPair is returned on login and social login.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type Service struct {
	db        *database.DB
	cfg       *config.Config
	secret    []byte
	cookieKey []byte
	now       func() time.Time
}

// New loads the signing secret, generating and storing one in the settings
// table when CUSDEB_SECRET_KEY is not set.
func New(db *database.DB, cfg *config.Config) (*Service, error) {
	secret := cfg.SecretKey
	if secret == "" {
		stored, err := db.GetSetting(database.SettingJWTSecret)
		switch {
		case err == nil:
			secret = stored
		case database.IsNotFound(err):
			if secret, err = RandomKey(); err != nil {
				return nil, err
			}
			if err := db.SetSetting(database.SettingJWTSecret, secret); err != nil {
				return nil, fmt.Errorf("store signing secret: %w", err)
			}
		default:
			return nil, fmt.Errorf("load signing secret: %w", err)
		}
	}

	saltStr, err := db.GetSetting(database.SettingEncryptionSalt)
	var salt []byte
	if err != nil {
		if salt, err = GenerateSalt(); err != nil {
			return nil, err
		}
		if err := db.SetSetting(database.SettingEncryptionSalt, base64.StdEncoding.EncodeToString(salt)); err != nil {
			return nil, fmt.Errorf("store encryption salt: %w", err)
		}
	} else if salt, err = base64.StdEncoding.DecodeString(saltStr); err != nil {
		return nil, fmt.Errorf("decode encryption salt: %w", err)
	}

	return &Service{
		db:        db,
		cfg:       cfg,
		secret:    []byte(secret),
		cookieKey: DeriveKey(secret, salt),
		now:       time.Now,
	}, nil
}

func (s *Service) IssuePair(userID uint) (*TokenPair, error) {
	access, err := s.issue(userID, tokenTypeAccess, time.Duration(s.cfg.TokenTTL)*time.Minute)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issue(userID, tokenTypeRefresh, time.Duration(s.cfg.RefreshTokenTTL)*time.Minute)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}

// Refresh exchanges a valid refresh token for a new access token. The
// token's user must still exist and be active.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return "", err
	}
	if err := s.checkUser(ctx, claims.UserID); err != nil {
		return "", err
	}
	return s.issue(claims.UserID, tokenTypeAccess, time.Duration(s.cfg.TokenTTL)*time.Minute)
}

// ParseAccess returns the user id carried by a valid access token.
func (s *Service) ParseAccess(accessToken string) (uint, error) {
	claims, err := s.parse(accessToken, tokenTypeAccess)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

// checkUser fails with ErrUnknownUser unless userID names an active user.
func (s *Service) checkUser(ctx context.Context, userID uint) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&database.User{}).
		Where("id = ? AND is_active = ?", userID, true).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("look up user %d: %w", userID, err)
	}
	if count == 0 {
		return ErrUnknownUser
	}
	return nil
}

func (s *Service) issue(userID uint, tokenType string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType: tokenType,
		UserID:    userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(tokenString, tokenType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TokenType != tokenType {
		return nil, ErrWrongType
	}
	if claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer access token for an
// existing active user and stores the caller's user id in the request
// context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		userID, err := s.ParseAccess(token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if err := s.checkUser(r.Context(), userID); err != nil {
			if !errors.Is(err, ErrUnknownUser) {
				slog.Error("Failed to check token user", "userID", userID, "error", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// WorkerMiddleware admits build workers presenting CUSDEB_WORKER_KEY in the
// X-API-Key header. Without a configured key every request is refused.
func (s *Service) WorkerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if s.cfg.WorkerKey == "" || key == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.WorkerKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithUserID(ctx context.Context, userID uint) context.Context {
	return context.WithValue(ctx, contextUserKey, userID)
}

func UserIDFromContext(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(contextUserKey).(uint)
	return id, ok && id != 0
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// EncryptCookie seals value for a client-side cookie.
func (s *Service) EncryptCookie(value []byte) (string, error) {
	sealed, err := Encrypt(value, s.cookieKey)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (s *Service) DecryptCookie(value string) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode cookie: %w", err)
	}
	return Decrypt(sealed, s.cookieKey)
}

func (s *Service) CookieSecure() bool {
	return !s.cfg.DevMode
}
