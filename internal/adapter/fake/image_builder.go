package fake

import (
	"context"
	"errors"
	"sync"
)

// ErrNoCheckout is returned by ImageBuilder when no build context is set up.
var ErrNoCheckout = errors.New("not inside a source checkout")

// ImageBuilder simulates a local image build. Successful builds register the
// produced image with the attached runtime.
type ImageBuilder struct {
	CallRecorder
	mu        sync.Mutex
	runtime   *ContainerRuntime
	ref       string
	available bool

	BuildErr func(ctx context.Context, version string) error
}

// NewImageBuilder creates a builder that produces ref into rt. The builder
// starts without a usable build context.
func NewImageBuilder(rt *ContainerRuntime, ref string) *ImageBuilder {
	return &ImageBuilder{runtime: rt, ref: ref}
}

// SetAvailable controls whether a build context is present.
func (b *ImageBuilder) SetAvailable(available bool) {
	b.mu.Lock()
	b.available = available
	b.mu.Unlock()
}

func (b *ImageBuilder) Available(ctx context.Context) error {
	b.record("Available")
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return ErrNoCheckout
	}
	return nil
}

func (b *ImageBuilder) Build(ctx context.Context, version string) (string, error) {
	b.record("Build", version)
	if b.BuildErr != nil {
		if err := b.BuildErr(ctx, version); err != nil {
			return "", err
		}
	}
	if b.runtime != nil {
		b.runtime.AddImage(b.ref)
	}
	return b.ref, nil
}
