// Package omd probes the sites installed on this machine with the omd tool.
package omd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"relayctl/internal/relay/site"
)

var _ site.Prober = (*Prober)(nil)

type Prober struct {
	binary string
}

type Option func(*Prober)

// WithBinary sets the omd executable, looked up in PATH when not absolute.
func WithBinary(path string) Option {
	return func(p *Prober) { p.binary = path }
}

func New(opts ...Option) *Prober {
	p := &Prober{binary: "omd"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sites lists the site names reported by `omd sites --bare`.
func (p *Prober) Sites(ctx context.Context) ([]string, error) {
	out, err := p.run(ctx, "sites", "--bare")
	if err != nil {
		return nil, err
	}
	var sites []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			sites = append(sites, name)
		}
	}
	return sites, nil
}

// Version returns the raw output of `omd version <site>`.
func (p *Prober) Version(ctx context.Context, name string) (string, error) {
	out, err := p.run(ctx, "version", name)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (p *Prober) run(ctx context.Context, args ...string) ([]byte, error) {
	bin, err := exec.LookPath(p.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", site.ErrProbeUnavailable, err)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("omd %s: %w", strings.Join(args, " "), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("omd %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
		}
		return nil, fmt.Errorf("omd %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}
