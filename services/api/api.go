// Package api exposes the deployment control surface over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"pcdeploy/services/drbl"
	"pcdeploy/services/images"
	"pcdeploy/services/orchestrator"
)

const defaultRateLimit = 300

// ImageCatalog lists deployable images.
type ImageCatalog interface {
	List(ctx context.Context) ([]images.Image, error)
	Home() string
	Writable() (exists, writable bool)
}

// ToolHealth reports the imaging tool installation.
type ToolHealth interface {
	Health() drbl.Health
}

// Options wires the API. Deployments, Images and Tool are required.
type Options struct {
	Deployments *orchestrator.Service
	Images      ImageCatalog
	Tool        ToolHealth
	Logger      *log.Logger

	AllowedOrigins []string
	// RateLimit is requests per minute per client IP.
	RateLimit int
	// Telemetry wraps the router, typically the tracing/access-log middleware.
	Telemetry func(http.Handler) http.Handler
	// Metrics serves /metrics. Omitted when nil.
	Metrics http.Handler
	// Ready gates /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// API holds handler dependencies.
type API struct {
	deployments *orchestrator.Service
	images      ImageCatalog
	tool        ToolHealth
	logger      *log.Logger
	opts        Options
}

func New(opts Options) (*API, error) {
	if opts.Deployments == nil {
		return nil, errors.New("deployment service is required")
	}
	if opts.Images == nil {
		return nil, errors.New("image catalog is required")
	}
	if opts.Tool == nil {
		return nil, errors.New("imaging tool is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "", 0)
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	return &API{
		deployments: opts.Deployments,
		images:      opts.Images,
		tool:        opts.Tool,
		logger:      opts.Logger,
		opts:        opts,
	}, nil
}
