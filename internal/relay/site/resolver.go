// Package site resolves the monitoring site a relay pod registers against.
//
// Resolution is an ordered chain of strategies (explicit flag, SITE
// environment variable, .site marker file, live omd probe). The first hit
// wins; the probe only succeeds when exactly one local site exists.
package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relayctl/internal/relay"
)

// ErrProbeUnavailable is returned by probers when the omd tool is missing.
var ErrProbeUnavailable = errors.New("site probe unavailable")

// Prober inspects the sites installed on this machine.
type Prober interface {
	Sites(ctx context.Context) ([]string, error)
	Version(ctx context.Context, site string) (string, error)
}

// VersionClient asks a running site for its product version over the API.
type VersionClient interface {
	Version(ctx context.Context, site relay.Site) (string, error)
}

// Connection holds the connection parameters applied to every resolved site.
type Connection struct {
	URL          string
	Username     string
	Password     string
	AgentNetwork string
}

type Resolver struct {
	conn         Connection
	prober       Prober
	remote       VersionClient
	getenv       func(string) string
	workDir      string
	probeTimeout time.Duration

	mu         sync.Mutex
	identified map[string]relay.Site
	resolved   map[string]relay.Site
}

type Option func(*Resolver)

func WithEnv(getenv func(string) string) Option {
	return func(r *Resolver) { r.getenv = getenv }
}

func WithWorkDir(dir string) Option {
	return func(r *Resolver) { r.workDir = dir }
}

func WithVersionClient(c VersionClient) Option {
	return func(r *Resolver) { r.remote = c }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.probeTimeout = d }
}

func New(conn Connection, prober Prober, opts ...Option) *Resolver {
	r := &Resolver{
		conn:         conn,
		prober:       prober,
		getenv:       func(string) string { return "" },
		probeTimeout: 10 * time.Second,
		identified:   make(map[string]relay.Site),
		resolved:     make(map[string]relay.Site),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chain returns the strategies consulted for explicit, in precedence order.
func (r *Resolver) Chain(explicit string) []Strategy {
	return []Strategy{
		Explicit(explicit),
		FromEnv(r.getenv),
		FromMarker(r.workDir),
		FromProbe(r.timedProber()),
	}
}

// Identify runs the strategy chain and returns the site identity and
// connection parameters, without asking the site for its version.
func (r *Resolver) Identify(ctx context.Context, explicit string) (relay.Site, error) {
	key := strings.TrimSpace(explicit)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.identified[key]; ok {
		return s, nil
	}

	cand, err := Run(ctx, r.Chain(explicit))
	if err != nil {
		return relay.Site{}, err
	}
	slog.Debug("site identified", "component", "site-resolver", "site", cand.Name, "via", cand.Strategy)

	s := relay.Site{
		Name:         cand.Name,
		Kind:         relay.SiteKindForURL(r.conn.URL),
		URL:          r.conn.URL,
		Username:     r.conn.Username,
		Password:     r.conn.Password,
		AgentNetwork: strings.TrimSpace(r.conn.AgentNetwork),
		Provenance:   cand.Provenance,
	}
	if s.Kind == relay.SiteLocal && s.AgentNetwork == "" {
		s.AgentNetwork = relay.HostAgentNetwork
	}
	r.identified[key] = s
	return s, nil
}

// Resolve identifies the site and determines its product version.
func (r *Resolver) Resolve(ctx context.Context, explicit string) (relay.Site, error) {
	s, err := r.Identify(ctx, explicit)
	if err != nil {
		return relay.Site{}, err
	}

	key := strings.TrimSpace(explicit)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.resolved[key]; ok {
		return cached, nil
	}

	version, err := r.version(ctx, s)
	if err != nil {
		return relay.Site{}, fmt.Errorf("determine version of site %q: %w", s.Name, err)
	}
	s.Version = version
	slog.Debug("site resolved", "component", "site-resolver", "site", s.Name, "kind", s.Kind, "version", version)

	r.resolved[key] = s
	return s, nil
}

func (r *Resolver) version(ctx context.Context, s relay.Site) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	switch s.Kind {
	case relay.SiteRemote:
		if r.remote == nil {
			return "", fmt.Errorf("no API client for remote site")
		}
		v, err := r.remote.Version(ctx, s)
		if err != nil {
			return "", err
		}
		return StripEdition(v), nil
	default:
		if r.prober == nil {
			return "", ErrProbeUnavailable
		}
		out, err := r.prober.Version(ctx, s.Name)
		if err != nil {
			return "", err
		}
		return ParseVersion(out)
	}
}

func (r *Resolver) timedProber() Prober {
	if r.prober == nil {
		return nil
	}
	return timedProber{inner: r.prober, timeout: r.probeTimeout}
}

type timedProber struct {
	inner   Prober
	timeout time.Duration
}

func (p timedProber) Sites(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.Sites(ctx)
}

func (p timedProber) Version(ctx context.Context, site string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.Version(ctx, site)
}

var editionSuffixes = []string{".ultimate", ".cee", ".cre", ".cce", ".cme", ".cse"}

// ParseVersion extracts the product version from `omd version` output,
// dropping the edition suffix.
func ParseVersion(output string) (string, error) {
	_, after, ok := strings.Cut(output, "Version ")
	if !ok {
		return "", fmt.Errorf("could not parse version from output: %q", strings.TrimSpace(output))
	}
	version := strings.TrimSpace(after)
	if i := strings.IndexAny(version, " \n"); i >= 0 {
		version = version[:i]
	}
	version = StripEdition(version)
	if version == "" {
		return "", fmt.Errorf("could not parse version from output: %q", strings.TrimSpace(output))
	}
	return version, nil
}

// StripEdition removes a trailing edition marker such as ".cee" from version.
func StripEdition(version string) string {
	version = strings.TrimSpace(version)
	for _, suffix := range editionSuffixes {
		if strings.HasSuffix(version, suffix) {
			return strings.TrimSuffix(version, suffix)
		}
	}
	return version
}
