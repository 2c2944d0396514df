// Package worker runs image builds: it claims pending images, hands them to a
// Builder with bounded concurrency and drives each one to a terminal status.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cusdeb/cusdeb-api/config"
	"github.com/cusdeb/cusdeb-api/internal/database"
	"github.com/cusdeb/cusdeb-api/internal/images"
	"github.com/cusdeb/cusdeb-api/internal/monitoring"
)

var ErrBuildNotFound = errors.New("build not found")

// Images is the part of the lifecycle manager the worker drives.
type Images interface {
	ClaimNextPending(ctx context.Context) (*database.Image, error)
	MarkStarted(ctx context.Context, actor images.Actor, imageID string) (*database.Image, error)
	MarkFinished(ctx context.Context, actor images.Actor, imageID string) (*database.Image, error)
	ChangeStatus(ctx context.Context, actor images.Actor, imageID, status string) (*database.Image, error)
	StoreBuildLog(ctx context.Context, actor images.Actor, imageID, text string) error
}

type Runner struct {
	images  Images
	builder Builder
	cfg     *config.Config

	semaphore chan struct{}
	progress  *ProgressTracker
	active    sync.Map // imageID -> cancelFunc
	wg        sync.WaitGroup
}

func New(imgs Images, builder Builder, cfg *config.Config) *Runner {
	slots := cfg.MaxConcurrent
	if slots < 1 {
		slots = 1
	}
	return &Runner{
		images:    imgs,
		builder:   builder,
		cfg:       cfg,
		semaphore: make(chan struct{}, slots),
		progress:  NewProgressTracker(),
	}
}

// Run polls for pending images every PollInterval seconds until ctx is
// done, then waits for running builds to wind down.
func (r *Runner) Run(ctx context.Context) error {
	interval := time.Duration(r.cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Build worker started", "slots", cap(r.semaphore), "pollInterval", interval)
	for {
		r.fill(ctx)
		select {
		case <-ctx.Done():
			r.wg.Wait()
			slog.Info("Build worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// fill claims images while build slots are free. A contended claim is
// retried at once since the queue is not known to be empty.
func (r *Runner) fill(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case r.semaphore <- struct{}{}:
		default:
			return
		}

		img, err := r.images.ClaimNextPending(ctx)
		if errors.Is(err, images.ErrClaimContended) {
			<-r.semaphore
			continue
		}
		if err != nil || img == nil {
			<-r.semaphore
			if err != nil {
				slog.Error("Failed to claim image", "error", err)
			}
			return
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-r.semaphore }()
			if err := r.Process(ctx, img); err != nil {
				slog.Error("Build bookkeeping failed", "imageID", img.ImageID, "error", err)
			}
		}()
	}
}

// Wait blocks until every build started by Run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Process builds a claimed image and records the outcome. A cancelled or
// timed out build ends as interrupted.
func (r *Runner) Process(ctx context.Context, img *database.Image) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.BuildTimeout)*time.Second)
	r.active.Store(img.ImageID, cancel)
	defer func() {
		r.active.Delete(img.ImageID)
		cancel()
	}()
	// Bookkeeping must outlive a cancelled build.
	record := context.WithoutCancel(ctx)

	if _, err := r.images.MarkStarted(record, images.WorkerActor, img.ImageID); err != nil {
		return fmt.Errorf("mark started: %w", err)
	}

	r.progress.Start(img.ImageID, img.DeviceName, img.DistroName)
	defer r.progress.Complete(img.ImageID)

	log := r.openLog(img.ImageID)
	started := time.Now()
	buildErr := r.builder.Build(ctx, img, log)
	monitoring.BuildDuration.Observe(time.Since(started).Seconds())

	status := database.ImageStatusSucceeded
	switch {
	case buildErr == nil:
	case ctx.Err() != nil:
		status = database.ImageStatusInterrupted
		fmt.Fprintf(log, "\nbuild interrupted: %v\n", ctx.Err())
	default:
		status = database.ImageStatusFailed
		fmt.Fprintf(log, "\nbuild failed: %v\n", buildErr)
	}
	log.close()

	if err := r.images.StoreBuildLog(record, images.WorkerActor, img.ImageID, log.String()); err != nil {
		return fmt.Errorf("store build log: %w", err)
	}
	if _, err := r.images.MarkFinished(record, images.WorkerActor, img.ImageID); err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	if _, err := r.images.ChangeStatus(record, images.WorkerActor, img.ImageID, status); err != nil {
		return fmt.Errorf("change status: %w", err)
	}

	slog.Info("Build finished", "imageID", img.ImageID, "status", status, "duration", time.Since(started))
	return nil
}

// Cancel interrupts a running build
func (r *Runner) Cancel(imageID string) error {
	if cancelFunc, ok := r.active.Load(imageID); ok {
		cancelFunc.(context.CancelFunc)()
		return nil
	}
	return ErrBuildNotFound
}

func (r *Runner) ActiveBuilds() []BuildProgress {
	return r.progress.GetAll()
}

func (r *Runner) GetProgress(imageID string) *BuildProgress {
	return r.progress.Get(imageID)
}

// openLog collects build output in memory and mirrors it to
// {data_dir}/logs/{image_id}.log. The file is written under a temporary
// name and renamed once the build ends.
func (r *Runner) openLog(imageID string) *buildLog {
	l := &buildLog{imageID: imageID, progress: r.progress}

	path := filepath.Join(r.cfg.BuildLogsPath(), imageID+".log")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		slog.Warn("Build log file disabled", "imageID", imageID, "error", err)
		return l
	}
	f, err := os.Create(path + ".tmp")
	if err != nil {
		slog.Warn("Build log file disabled", "imageID", imageID, "error", err)
		return l
	}
	l.file, l.path = f, path
	return l
}

type buildLog struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	file     *os.File
	path     string
	imageID  string
	progress *ProgressTracker
}

var _ io.Writer = (*buildLog)(nil)

func (l *buildLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, _ := l.buf.Write(p)
	if l.file != nil {
		if _, err := l.file.Write(p); err != nil {
			slog.Warn("Build log file write failed", "imageID", l.imageID, "error", err)
			l.file.Close()
			os.Remove(l.file.Name())
			l.file = nil
		}
	}
	l.progress.Add(l.imageID, n)
	return n, nil
}

func (l *buildLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func (l *buildLog) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}
	tmp := l.file.Name()
	l.file.Close()
	l.file = nil
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		slog.Warn("Failed to move build log", "imageID", l.imageID, "error", err)
	}
}
