package hooks

import "time"

const (
	EventUserCreated          = "user.created"
	EventEmailConfirmed       = "email.confirmed"
	EventPasswordResetCreated = "password_reset.created"
	EventImageCreated         = "image.created"
	EventImageClaimed         = "image.claimed"
	EventImageStatusChanged   = "image.status_changed"
	EventImageDeleted         = "image.deleted"
)

// Event represents a hook event
type Event struct {
	Type      string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	User      *User     `json:"user,omitempty"`
	Token     *Token    `json:"-"`
	Image     *Image    `json:"image,omitempty"`
	Error     *Error    `json:"error,omitempty"`
}

// User info for event payload
type User struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Token carries a confirmation or reset key to in-process listeners only.
// It is never serialised into webhook payloads.
type Token struct {
	Key       string
	ExpiresIn time.Duration
}

// Image info for event payload
type Image struct {
	ImageID        string `json:"image_id"`
	UserID         uint   `json:"user_id"`
	DeviceName     string `json:"device_name"`
	DistroName     string `json:"distro_name"`
	Flavour        string `json:"flavour"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
}

// Error represents an error in the event payload
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType string) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

func (e *Event) WithUser(id uint, username, email string) *Event {
	e.User = &User{ID: id, Username: username, Email: email}
	return e
}

func (e *Event) WithToken(key string, expiresIn time.Duration) *Event {
	e.Token = &Token{Key: key, ExpiresIn: expiresIn}
	return e
}

func (e *Event) WithImage(img Image) *Event {
	e.Image = &img
	return e
}

// WithError sets the error info
func (e *Event) WithError(code, message string) *Event {
	e.Error = &Error{Code: code, Message: message}
	return e
}
