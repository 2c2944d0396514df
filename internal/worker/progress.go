package worker

import (
	"sync"
	"time"
)

// ProgressTracker tracks builds running in this worker
type ProgressTracker struct {
	builds map[string]*BuildProgress
	mu     sync.RWMutex
}

// BuildProgress describes a single running build
type BuildProgress struct {
	ImageID    string    `json:"image_id"`
	DeviceName string    `json:"device_name"`
	DistroName string    `json:"distro_name"`
	LogBytes   int64     `json:"log_bytes"`
	StartedAt  time.Time `json:"started_at"`
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		builds: make(map[string]*BuildProgress),
	}
}

func (pt *ProgressTracker) Start(imageID, deviceName, distroName string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.builds[imageID] = &BuildProgress{
		ImageID:    imageID,
		DeviceName: deviceName,
		DistroName: distroName,
		StartedAt:  time.Now(),
	}
}

// Add records n more bytes of build output.
func (pt *ProgressTracker) Add(imageID string, n int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if p, ok := pt.builds[imageID]; ok {
		p.LogBytes += int64(n)
	}
}

func (pt *ProgressTracker) Complete(imageID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.builds, imageID)
}

func (pt *ProgressTracker) Get(imageID string) *BuildProgress {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	if p, ok := pt.builds[imageID]; ok {
		copy := *p
		return &copy
	}
	return nil
}

func (pt *ProgressTracker) GetAll() []BuildProgress {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	result := make([]BuildProgress, 0, len(pt.builds))
	for _, p := range pt.builds {
		result = append(result, *p)
	}
	return result
}

// Elapsed returns how long the build has been running
func (p *BuildProgress) Elapsed() time.Duration {
	return time.Since(p.StartedAt)
}
