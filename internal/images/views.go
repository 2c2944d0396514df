package images

import (
	"time"

	"github.com/cusdeb/cusdeb-api/internal/database"
)

// Summary is the listing representation of an image.
type Summary struct {
	ImageID    string     `json:"image_id"`
	DeviceName string     `json:"device_name"`
	DistroName string     `json:"distro_name"`
	Flavour    string     `json:"flavour"`
	StartedAt  *time.Time `json:"started_at"`
	Status     string     `json:"status"`
	Notes      string     `json:"notes"`
}

// Detail adds the build timestamps and log to Summary.
type Detail struct {
	Summary
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at"`
	BuildLog   string     `json:"build_log"`
}

func NewSummary(img database.Image) Summary {
	return Summary{
		ImageID:    img.ImageID,
		DeviceName: img.DeviceName,
		DistroName: img.DistroName,
		Flavour:    FlavourLabel(img.Flavour),
		StartedAt:  img.StartedAt,
		Status:     StatusLabel(img.Status),
		Notes:      img.Notes,
	}
}

func NewDetail(img database.Image) Detail {
	return Detail{
		Summary:    NewSummary(img),
		CreatedAt:  img.CreatedAt,
		FinishedAt: img.FinishedAt,
		BuildLog:   img.BuildLog,
	}
}

func Summaries(images []database.Image) []Summary {
	out := make([]Summary, 0, len(images))
	for _, img := range images {
		out = append(out, NewSummary(img))
	}
	return out
}
