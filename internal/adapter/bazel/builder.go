// Package bazel builds the relay image from a source checkout.
package bazel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"relayctl/internal/relay/image"
)

// DefaultTarget is the image target of the relay in the source tree.
const DefaultTarget = "//omd/non-free/relay:image_docker"

var _ image.Builder = (*Builder)(nil)

type Builder struct {
	binary string
	target string
	dir    string
	log    *slog.Logger
}

type Option func(*Builder)

func WithBinary(path string) Option {
	return func(b *Builder) { b.binary = path }
}

func WithTarget(target string) Option {
	return func(b *Builder) { b.target = target }
}

// WithDir runs bazel in dir instead of the process working directory.
func WithDir(dir string) Option {
	return func(b *Builder) { b.dir = dir }
}

func New(opts ...Option) *Builder {
	b := &Builder{
		binary: "bazel",
		target: DefaultTarget,
		log:    slog.With("component", "bazel"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Available checks that bazel is installed and the image target resolves in
// the working directory.
func (b *Builder) Available(ctx context.Context) error {
	bin, err := exec.LookPath(b.binary)
	if err != nil {
		return fmt.Errorf("%w: bazel not installed: %v", image.ErrNoBuildContext, err)
	}
	out, err := b.run(ctx, bin, "query", b.target)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: target %s not found (not inside a source checkout?): %s",
			image.ErrNoBuildContext, b.target, tail(out))
	}
	return nil
}

// Build runs the image target for version and returns the produced reference.
func (b *Builder) Build(ctx context.Context, version string) (string, error) {
	bin, err := exec.LookPath(b.binary)
	if err != nil {
		return "", fmt.Errorf("%w: bazel not installed: %v", image.ErrNoBuildContext, err)
	}
	b.log.Info("building relay image", "version", version, "target", b.target)
	out, err := b.run(ctx, bin, "run", "--cmk_version="+version, b.target)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("bazel run %s: %s: %w", b.target, tail(out), err)
	}
	b.log.Debug("relay image built", "ref", image.LocalRef)
	return image.LocalRef, nil
}

func (b *Builder) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = b.dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return out.Bytes(), fmt.Errorf("run bazel: %w", err)
	}
	return out.Bytes(), err
}

// tail returns the last few lines of command output for error messages.
func tail(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "; ")
}
