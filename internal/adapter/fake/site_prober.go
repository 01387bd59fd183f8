package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// SiteProber is an in-memory stand-in for the omd tool.
type SiteProber struct {
	CallRecorder
	mu       sync.Mutex
	sites    []string
	versions map[string]string

	SitesErr   func(ctx context.Context) error
	VersionErr func(ctx context.Context, site string) error
}

// NewSiteProber creates a SiteProber that reports the given sites.
func NewSiteProber(sites ...string) *SiteProber {
	return &SiteProber{
		sites:    slices.Clone(sites),
		versions: make(map[string]string),
	}
}

// SetVersion sets the product version reported for site, e.g. "2.5.0-2025.12.22.ultimate".
func (p *SiteProber) SetVersion(site, version string) {
	p.mu.Lock()
	p.versions[site] = version
	p.mu.Unlock()
}

func (p *SiteProber) Sites(ctx context.Context) ([]string, error) {
	p.record("Sites")
	if p.SitesErr != nil {
		if err := p.SitesErr(ctx); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.sites), nil
}

func (p *SiteProber) Version(ctx context.Context, site string) (string, error) {
	p.record("Version", site)
	if p.VersionErr != nil {
		if err := p.VersionErr(ctx, site); err != nil {
			return "", err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.versions[site]
	if !ok {
		return "", fmt.Errorf("site %q does not exist", site)
	}
	return "OMD - Open Monitoring Distribution Version " + v + "\n", nil
}
