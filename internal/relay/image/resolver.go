// Package image decides whether the relay image is built locally or pulled
// from a registry, and enforces that its version matches the site.
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/distribution/reference"

	"relayctl/internal/relay"
)

const (
	DefaultRegistry = "docker.io/checkmk"
	RepositoryName  = "check-mk-relay"
	// LocalRef is the tag produced by the local build.
	LocalRef = "localhost/" + RepositoryName + ":latest"
)

// ErrNoBuildContext is returned by builders that cannot build from the
// current working directory.
var ErrNoBuildContext = errors.New("no usable build context")

// Builder builds the relay image from a local source checkout.
type Builder interface {
	// Available returns nil when a build can be attempted, or an error
	// naming the missing prerequisite.
	Available(ctx context.Context) error
	Build(ctx context.Context, version string) (string, error)
}

// Runtime is the image side of the container runtime.
type Runtime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImagePull(ctx context.Context, ref string) error
}

// Request selects how the image for one run is obtained.
type Request struct {
	Mode relay.ImageMode
	// Version overrides the site version as the image version.
	Version       string
	AllowMismatch bool
}

type Resolver struct {
	builder     Builder
	runtime     Runtime
	registry    string
	pullTimeout time.Duration
	log         *slog.Logger
}

type Option func(*Resolver)

func WithRegistry(registry string) Option {
	return func(r *Resolver) {
		if registry = strings.TrimRight(strings.TrimSpace(registry), "/"); registry != "" {
			r.registry = registry
		}
	}
}

func WithPullTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.pullTimeout = d
		}
	}
}

// New creates a Resolver. builder may be nil when local builds are not supported.
func New(builder Builder, rt Runtime, opts ...Option) *Resolver {
	r := &Resolver{
		builder:     builder,
		runtime:     rt,
		registry:    DefaultRegistry,
		pullTimeout: 10 * time.Minute,
		log:         slog.With("component", "image-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the image to run for site.
func (r *Resolver) Resolve(ctx context.Context, site relay.Site, req Request) (relay.Image, error) {
	mode := req.Mode
	if mode == 0 {
		mode = relay.ImageModeAuto
	}

	version, err := r.version(site, req)
	if err != nil {
		return relay.Image{}, err
	}

	switch mode {
	case relay.ImageModeBuild:
		if err := r.buildable(ctx); err != nil {
			return relay.Image{}, &relay.ImageResolutionError{Mode: mode, Path: "local build", Err: err}
		}
		return r.build(ctx, mode, version)
	case relay.ImageModePull:
		return r.pull(ctx, mode, version)
	case relay.ImageModeAuto:
		if err := r.buildable(ctx); err != nil {
			r.log.Debug("local build not usable, pulling", "reason", err)
			return r.pull(ctx, mode, version)
		}
		return r.build(ctx, mode, version)
	default:
		return relay.Image{}, &relay.ImageResolutionError{Mode: mode, Path: "none", Err: fmt.Errorf("unsupported image mode")}
	}
}

func (r *Resolver) version(site relay.Site, req Request) (string, error) {
	version := strings.TrimSpace(req.Version)
	if version == "" {
		version = site.Version
	}
	if version == "" {
		return "", &relay.ImageResolutionError{Mode: req.Mode, Path: "version", Err: fmt.Errorf("site %q has no known version", site.Name)}
	}
	if version == site.Version {
		return version, nil
	}

	mismatch := &relay.VersionMismatchError{
		Image:        PullRef(r.registry, version),
		ImageVersion: version,
		SiteVersion:  site.Version,
	}
	if !req.AllowMismatch {
		return "", mismatch
	}
	r.log.Warn("relay image version does not match site", "image_version", version, "site_version", site.Version)
	return version, nil
}

func (r *Resolver) buildable(ctx context.Context) error {
	if r.builder == nil {
		return ErrNoBuildContext
	}
	return r.builder.Available(ctx)
}

func (r *Resolver) build(ctx context.Context, mode relay.ImageMode, version string) (relay.Image, error) {
	r.log.Info("building relay image", "version", version)
	ref, err := r.builder.Build(ctx, version)
	if err != nil {
		return relay.Image{}, &relay.ImageResolutionError{Mode: mode, Path: "local build", Err: err}
	}
	if ref == "" {
		ref = LocalRef
	}
	ok, err := r.runtime.ImageExists(ctx, ref)
	if err != nil {
		return relay.Image{}, &relay.ImageResolutionError{Mode: mode, Path: "local build", Err: err}
	}
	if !ok {
		return relay.Image{}, &relay.ImageResolutionError{Mode: mode, Path: "local build", Err: fmt.Errorf("build finished but image %s is missing", ref)}
	}
	return relay.Image{Ref: ref, Version: version, Origin: relay.OriginBuilt}, nil
}

func (r *Resolver) pull(ctx context.Context, mode relay.ImageMode, version string) (relay.Image, error) {
	ref, err := normalize(r.registry, version)
	if err != nil {
		return relay.Image{}, &relay.ImageResolutionError{Mode: mode, Path: "registry pull", Err: err}
	}

	pctx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()

	r.log.Info("pulling relay image", "image", ref)
	if err := r.runtime.ImagePull(pctx, ref); err != nil {
		if errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &relay.TimeoutError{Op: "pull " + ref, After: r.pullTimeout, Err: err}
		}
		return relay.Image{}, &relay.ImageResolutionError{Mode: mode, Path: "registry pull " + ref, Err: err}
	}
	return relay.Image{Ref: ref, Version: version, Origin: relay.OriginPulled}, nil
}

// PullRef returns the registry reference for version, falling back to plain
// concatenation when the reference does not parse.
func PullRef(registry, version string) string {
	if ref, err := normalize(registry, version); err == nil {
		return ref
	}
	return registry + "/" + RepositoryName + ":" + version
}

func normalize(registry, version string) (string, error) {
	named, err := reference.ParseNormalizedNamed(registry + "/" + RepositoryName)
	if err != nil {
		return "", fmt.Errorf("parse image name: %w", err)
	}
	tagged, err := reference.WithTag(named, version)
	if err != nil {
		return "", fmt.Errorf("tag image with version %q: %w", version, err)
	}
	return tagged.String(), nil
}
