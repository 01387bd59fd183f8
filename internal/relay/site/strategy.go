package site

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"relayctl/internal/relay"
)

const (
	// EnvSite names the environment variable carrying an explicit site name.
	EnvSite = "SITE"
	// MarkerFile is looked up in the working directory and all its parents.
	MarkerFile = ".site"
)

var siteNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Strategy is one step of the resolution chain. Lookup returns the site name
// it found, or "" together with a short explanation of the miss.
type Strategy struct {
	Name       string
	Provenance relay.Provenance
	Lookup     func(ctx context.Context) (name string, miss string)
}

// Candidate is the outcome of a successful chain run.
type Candidate struct {
	Name       string
	Provenance relay.Provenance
	Strategy   string
}

// Run evaluates strategies in order and returns the first hit. A hit with an
// invalid name stops the chain instead of falling through to weaker sources.
func Run(ctx context.Context, strategies []Strategy) (Candidate, error) {
	attempts := make([]relay.Attempt, 0, len(strategies))
	for _, s := range strategies {
		name, miss := s.Lookup(ctx)
		if name == "" {
			attempts = append(attempts, relay.Attempt{Strategy: s.Name, Detail: miss})
			continue
		}
		if !siteNamePattern.MatchString(name) {
			attempts = append(attempts, relay.Attempt{Strategy: s.Name, Detail: fmt.Sprintf("invalid site name %q", name)})
			return Candidate{}, &relay.SiteNotFoundError{Attempts: attempts}
		}
		return Candidate{Name: name, Provenance: s.Provenance, Strategy: s.Name}, nil
	}
	return Candidate{}, &relay.SiteNotFoundError{Attempts: attempts}
}

// Explicit resolves the site passed by the caller.
func Explicit(name string) Strategy {
	return Strategy{
		Name:       "explicit flag",
		Provenance: relay.ProvenanceExplicit,
		Lookup: func(context.Context) (string, string) {
			if n := strings.TrimSpace(name); n != "" {
				return n, ""
			}
			return "", "not set"
		},
	}
}

// FromEnv resolves the site from the SITE environment variable.
func FromEnv(getenv func(string) string) Strategy {
	return Strategy{
		Name:       "environment " + EnvSite,
		Provenance: relay.ProvenanceEnv,
		Lookup: func(context.Context) (string, string) {
			if n := strings.TrimSpace(getenv(EnvSite)); n != "" {
				return n, ""
			}
			return "", "unset"
		},
	}
}

// FromMarker resolves the site from the nearest .site file at or above dir.
func FromMarker(dir string) Strategy {
	return Strategy{
		Name:       "marker file " + MarkerFile,
		Provenance: relay.ProvenanceMarker,
		Lookup: func(context.Context) (string, string) {
			if dir == "" {
				return "", "no working directory"
			}
			path, ok := findMarker(dir)
			if !ok {
				return "", "none found from " + dir
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Sprintf("read %s: %v", path, err)
			}
			name := firstLine(string(data))
			if name == "" {
				return "", path + " is empty"
			}
			return name, ""
		},
	}
}

// FromProbe resolves the site from the running local sites. It only
// succeeds when exactly one site exists.
func FromProbe(prober Prober) Strategy {
	return Strategy{
		Name:       "omd probe",
		Provenance: relay.ProvenanceProbe,
		Lookup: func(ctx context.Context) (string, string) {
			if prober == nil {
				return "", "no prober"
			}
			sites, err := prober.Sites(ctx)
			if err != nil {
				if errors.Is(err, ErrProbeUnavailable) {
					return "", "omd not available"
				}
				return "", err.Error()
			}
			switch len(sites) {
			case 0:
				return "", "no sites"
			case 1:
				return sites[0], ""
			default:
				return "", fmt.Sprintf("%d sites: %s", len(sites), strings.Join(sites, ", "))
			}
		},
	}
}

func findMarker(dir string) (string, bool) {
	dir = filepath.Clean(dir)
	for {
		candidate := filepath.Join(dir, MarkerFile)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
