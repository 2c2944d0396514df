package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cusdeb/cusdeb-api/api"
	"github.com/cusdeb/cusdeb-api/config"
	"github.com/cusdeb/cusdeb-api/internal/accounts"
	"github.com/cusdeb/cusdeb-api/internal/apperr"
	"github.com/cusdeb/cusdeb-api/internal/auth"
	"github.com/cusdeb/cusdeb-api/internal/catalog"
	"github.com/cusdeb/cusdeb-api/internal/database"
	"github.com/cusdeb/cusdeb-api/internal/hooks"
	"github.com/cusdeb/cusdeb-api/internal/images"
	"github.com/cusdeb/cusdeb-api/internal/social"
	"github.com/cusdeb/cusdeb-api/internal/worker"
)

var startTime = time.Now()

// Version is reported by the health check and the CLI.
var Version = "0.1.0"

const (
	msgInvalidBody = "Invalid request body"
	msgForbidden   = "You do not have permission to perform this action"
	msgNotFound    = "Not found"
	msgInternal    = "Internal server error"
	msgNoWorker    = "No build worker runs in this process"
)

// Builds controls the build runner living in this process.
type Builds interface {
	ActiveBuilds() []worker.BuildProgress
	GetProgress(imageID string) *worker.BuildProgress
	Cancel(imageID string) error
}

// Jobs reports when each maintenance job runs next.
type Jobs interface {
	Jobs() []string
	GetNextRun(name string) *time.Time
}

type Handler struct {
	db       *database.DB
	cfg      *config.Config
	auth     *auth.Service
	accounts *accounts.Service
	social   *social.Service
	catalog  *catalog.Store
	images   *images.Manager
	hooks    *hooks.Manager
	builds   Builds
	jobs     Jobs
}

func New(
	db *database.DB,
	cfg *config.Config,
	authService *auth.Service,
	accountService *accounts.Service,
	socialService *social.Service,
	catalogStore *catalog.Store,
	imageManager *images.Manager,
	hooksManager *hooks.Manager,
) *Handler {
	return &Handler{
		db:       db,
		cfg:      cfg,
		auth:     authService,
		accounts: accountService,
		social:   socialService,
		catalog:  catalogStore,
		images:   imageManager,
		hooks:    hooksManager,
	}
}

// SetBuilds exposes an in-process build runner under /admin/builds.
func (h *Handler) SetBuilds(b Builds) {
	h.builds = b
}

// SetJobs adds the maintenance schedule to /admin/stats.
func (h *Handler) SetJobs(j Jobs) {
	h.jobs = j
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}

type fieldErrors struct {
	Errors map[string][]string `json:"errors"`
}

func writeFieldErrors(w http.ResponseWriter, status int, fields map[string][]string) {
	writeJSON(w, status, fieldErrors{Errors: fields})
}

// writeAppError maps the service error kinds to HTTP status codes.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrInvalid):
		fields := apperr.Fields(err)
		if fields == nil {
			fields = map[string][]string{"non_field_errors": {err.Error()}}
		}
		writeFieldErrors(w, http.StatusBadRequest, fields)
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, msgNotFound)
	case errors.Is(err, apperr.ErrForbidden):
		writeError(w, http.StatusForbidden, msgForbidden)
	case errors.Is(err, apperr.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Request failed", "error", err, "method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeBody decodes the request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(r, v); err != nil {
		writeFieldErrors(w, http.StatusBadRequest, map[string][]string{"non_field_errors": {msgInvalidBody}})
		return false
	}
	return true
}

func userID(r *http.Request) uint {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func actor(r *http.Request) images.Actor {
	return images.UserActor(userID(r))
}

// Auth handlers

type userResponse struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func newUserResponse(u *database.User) userResponse {
	return userResponse{Username: u.Username, Email: u.Email}
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req accounts.SignUpRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.accounts.SignUp(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(user))
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) ObtainToken(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	pair, err := h.auth.IssuePair(user.ID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	access, err := h.auth.Refresh(r.Context(), req.Refresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access": access})
}

type tokenRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *Handler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.accounts.ConfirmEmail(r.Context(), req.Token); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.accounts.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Social login handlers

func (h *Handler) SocialLogin(w http.ResponseWriter, r *http.Request) {
	authURL, cookie, err := h.social.Begin(chi.URLParam(r, "provider"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     social.CookieName,
		Value:    cookie,
		Path:     "/api",
		MaxAge:   int(social.CookieMaxAge / time.Second),
		HttpOnly: true,
		Secure:   h.auth.CookieSecure(),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) SocialCallback(w http.ResponseWriter, r *http.Request) {
	var cookie string
	if c, err := r.Cookie(social.CookieName); err == nil {
		cookie = c.Value
	}
	http.SetCookie(w, &http.Cookie{
		Name:     social.CookieName,
		Path:     "/api",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.auth.CookieSecure(),
	})

	q := r.URL.Query()
	pair, err := h.social.Complete(r.Context(), chi.URLParam(r, "provider"), cookie, q.Get("state"), q.Get("code"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// User handlers

func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	user, err := h.accounts.WhoAmI(r.Context(), userID(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (h *Handler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword    string `json:"old_password"`
		Password       string `json:"password"`
		RetypePassword string `json:"retype_password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.accounts.UpdatePassword(r.Context(), userID(r), req.OldPassword, req.Password, req.RetypePassword)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) UpdateLogin(w http.ResponseWriter, r *http.Request) {
	var req userResponse
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := h.accounts.UpdateLogin(r.Context(), userID(r), req.Username, req.Email)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.accounts.DeleteProfile(r.Context(), userID(r), req.Username, req.Password); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Catalog handlers

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.catalog.ListDevices(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// Image handlers

func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	list, err := h.images.List(r.Context(), userID(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, images.Summaries(list))
}

func (h *Handler) CreateImage(w http.ResponseWriter, r *http.Request) {
	var req images.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	img, err := h.images.Create(r.Context(), actor(r), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, images.NewSummary(*img))
}

func (h *Handler) ImageDetail(w http.ResponseWriter, r *http.Request) {
	img, err := h.images.Get(r.Context(), actor(r), chi.URLParam(r, "image_id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, images.NewDetail(*img))
}

type imageRequest struct {
	ImageID string `json:"image_id"`
	Notes   string `json:"notes"`
}

func (h *Handler) UpdateNotes(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := h.images.UpdateNotes(r.Context(), actor(r), req.ImageID, req.Notes); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.images.Delete(r.Context(), actor(r), req.ImageID); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Worker handlers

// workerImage carries canonical codes rather than display labels.
type workerImage struct {
	ImageID    string     `json:"image_id"`
	UserID     uint       `json:"user_id"`
	DeviceName string     `json:"device_name"`
	DistroName string     `json:"distro_name"`
	Flavour    string     `json:"flavour"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

func newWorkerImage(img *database.Image) workerImage {
	return workerImage{
		ImageID:    img.ImageID,
		UserID:     img.UserID,
		DeviceName: img.DeviceName,
		DistroName: img.DistroName,
		Flavour:    img.Flavour,
		Status:     img.Status,
		CreatedAt:  img.CreatedAt,
		StartedAt:  img.StartedAt,
		FinishedAt: img.FinishedAt,
	}
}

func (h *Handler) ClaimImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.images.ClaimNextPending(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if img == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerImage(img))
}

func (h *Handler) MarkStarted(w http.ResponseWriter, r *http.Request) {
	img, err := h.images.MarkStarted(r.Context(), images.WorkerActor, chi.URLParam(r, "image_id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerImage(img))
}

func (h *Handler) MarkFinished(w http.ResponseWriter, r *http.Request) {
	img, err := h.images.MarkFinished(r.Context(), images.WorkerActor, chi.URLParam(r, "image_id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerImage(img))
}

func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	img, err := h.images.ChangeStatus(r.Context(), images.WorkerActor, chi.URLParam(r, "image_id"), req.Status)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerImage(img))
}

func (h *Handler) StoreBuildLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuildLog string `json:"build_log"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.images.StoreBuildLog(r.Context(), images.WorkerActor, chi.URLParam(r, "image_id"), req.BuildLog); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Webhook handlers

type webhookResponse struct {
	ID        uint      `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

func convertWebhook(wh database.Webhook) webhookResponse {
	return webhookResponse{
		ID:        wh.ID,
		Name:      wh.Name,
		URL:       wh.URL,
		Events:    hooks.ParseEvents(wh.Events),
		Enabled:   wh.Enabled,
		CreatedAt: wh.CreatedAt,
	}
}

func validEvents(events []string) bool {
	for _, e := range events {
		if !hooks.IsValidEvent(e) {
			return false
		}
	}
	return true
}

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	webhooks, err := h.hooks.ListWebhooks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list webhooks")
		return
	}

	result := make([]webhookResponse, 0, len(webhooks))
	for _, wh := range webhooks {
		result = append(result, convertWebhook(wh))
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string   `json:"name"`
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if req.URL == "" || !validEvents(req.Events) {
		writeError(w, http.StatusBadRequest, "A URL and known events are required")
		return
	}

	webhook, err := h.hooks.CreateWebhook(req.Name, req.URL, req.Events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create webhook")
		return
	}

	writeJSON(w, http.StatusCreated, convertWebhook(*webhook))
}

func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}

	var req struct {
		Name    *string   `json:"name"`
		URL     *string   `json:"url"`
		Events  *[]string `json:"events"`
		Enabled *bool     `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	webhook, err := h.hooks.GetWebhook(uint(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}

	name := webhook.Name
	url := webhook.URL
	events := hooks.ParseEvents(webhook.Events)
	enabled := webhook.Enabled

	if req.Name != nil {
		name = *req.Name
	}
	if req.URL != nil {
		url = *req.URL
	}
	if req.Events != nil {
		if !validEvents(*req.Events) {
			writeError(w, http.StatusBadRequest, "Unknown event type")
			return
		}
		events = *req.Events
	}
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	if err := h.hooks.UpdateWebhook(uint(id), name, url, events, enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update webhook")
		return
	}

	updated, _ := h.hooks.GetWebhook(uint(id))
	writeJSON(w, http.StatusOK, convertWebhook(*updated))
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}
	if _, err := h.hooks.GetWebhook(uint(id)); err != nil {
		writeError(w, http.StatusNotFound, "Webhook not found")
		return
	}
	if err := h.hooks.DeleteWebhook(uint(id)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete webhook")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// System handlers

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if sqlDB, err := h.db.DB.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{
		Status:  status,
		Uptime:  time.Since(startTime).String(),
		Version: Version,
	})
}

func (h *Handler) OpenAPIDocument(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(api.Document)
}

type statsResponse struct {
	Users    int64                 `json:"users"`
	Images   map[string]int64      `json:"images"`
	Devices  int64                 `json:"active_devices"`
	Webhooks int64                 `json:"webhooks"`
	Uptime   string                `json:"uptime"`
	NextRuns map[string]*time.Time `json:"next_runs,omitempty"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statsResponse{Images: map[string]int64{}, Uptime: time.Since(startTime).String()}

	h.db.WithContext(ctx).Model(&database.User{}).Count(&resp.Users)
	h.db.WithContext(ctx).Model(&database.Device{}).Where("active = ?", true).Count(&resp.Devices)
	h.db.WithContext(ctx).Model(&database.Webhook{}).Count(&resp.Webhooks)

	var rows []struct {
		Status string
		Count  int64
	}
	err := h.db.WithContext(ctx).Model(&database.Image{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	for _, row := range rows {
		resp.Images[row.Status] = row.Count
	}

	if h.jobs != nil {
		resp.NextRuns = map[string]*time.Time{}
		for _, name := range h.jobs.Jobs() {
			resp.NextRuns[name] = h.jobs.GetNextRun(name)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type buildResponse struct {
	worker.BuildProgress
	Elapsed string `json:"elapsed"`
}

func newBuildResponse(p worker.BuildProgress) buildResponse {
	return buildResponse{BuildProgress: p, Elapsed: p.Elapsed().Round(time.Second).String()}
}

// ListBuilds reports the builds running in this process, oldest first.
func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	if h.builds == nil {
		writeError(w, http.StatusServiceUnavailable, msgNoWorker)
		return
	}

	active := h.builds.ActiveBuilds()
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })
	resp := make([]buildResponse, 0, len(active))
	for _, p := range active {
		resp = append(resp, newBuildResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) BuildDetail(w http.ResponseWriter, r *http.Request) {
	if h.builds == nil {
		writeError(w, http.StatusServiceUnavailable, msgNoWorker)
		return
	}

	p := h.builds.GetProgress(chi.URLParam(r, "image_id"))
	if p == nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newBuildResponse(*p))
}

// CancelBuild interrupts a running build. The runner records the image as
// interrupted once the builder returns.
func (h *Handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	if h.builds == nil {
		writeError(w, http.StatusServiceUnavailable, msgNoWorker)
		return
	}

	imageID := chi.URLParam(r, "image_id")
	if err := h.builds.Cancel(imageID); err != nil {
		if errors.Is(err, worker.ErrBuildNotFound) {
			writeError(w, http.StatusNotFound, msgNotFound)
			return
		}
		writeAppError(w, r, err)
		return
	}
	slog.Info("Build cancelled", "imageID", imageID)
	w.WriteHeader(http.StatusAccepted)
}
