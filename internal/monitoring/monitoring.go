// Package monitoring holds the process-wide Prometheus collectors.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ImagesCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cusdeb_images_created_total",
	Help: "The total number of image build records created",
})

var ImagesClaimed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cusdeb_images_claimed_total",
	Help: "The total number of pending images claimed by a worker",
})

var ImageStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cusdeb_image_status_changes_total",
	Help: "The total number of image status transitions by target status",
}, []string{"status"})

var ImagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cusdeb_images_deleted_total",
	Help: "The total number of image build records deleted",
})

var ImagesInterrupted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cusdeb_images_interrupted_total",
	Help: "The total number of builds interrupted after exceeding the build timeout",
})

var BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cusdeb_build_duration_seconds",
	Help:    "Duration of image builds run by the worker",
	Buckets: []float64{30, 60, 300, 600, 1200, 1800, 3600, 7200},
})

var CatalogCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cusdeb_catalog_cache_hits_total",
	Help: "The total number of device listings served from the cache",
})

var CatalogAssociations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cusdeb_catalog_build_types_seeded_total",
	Help: "The total number of build type associations seeded with the default",
})

var UsersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cusdeb_users_created_total",
	Help: "The total number of user accounts created by origin",
}, []string{"origin"})

var TokensSwept = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cusdeb_expired_tokens_swept_total",
	Help: "The total number of expired confirmation and reset tokens removed",
})
