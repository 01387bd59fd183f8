package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"relayctl/internal/adapter/fake/fault"
	"relayctl/internal/check"
	"relayctl/internal/relay"
)

const (
	FaultSiteAPIVersion    = "site_api.version"
	FaultSiteAPIHosts      = "site_api.hosts"
	FaultSiteAPIDeregister = "site_api.deregister"
)

// SiteAPI is an in-memory stand-in for the site REST API.
type SiteAPI struct {
	CallRecorder
	mu      sync.Mutex
	version string
	hosts   []string
	relays  map[string]int
	faults  *fault.Injector
}

func NewSiteAPI(version string, hosts ...string) *SiteAPI {
	return &SiteAPI{
		version: version,
		hosts:   slices.Clone(hosts),
		relays:  make(map[string]int),
		faults:  fault.NewInjector(),
	}
}

func (a *SiteAPI) FailOnce(point string, err error) {
	a.faults.FailOnce(point, err)
}

func (a *SiteAPI) FailAlways(point string, err error) {
	a.faults.FailAlways(point, err)
}

func (a *SiteAPI) ResetFaults() {
	a.faults.Reset()
}

func (a *SiteAPI) evalFault(point string, args ...any) error {
	check.Assert(a.faults != nil, "SiteAPI.evalFault: faults injector must not be nil")
	if a.faults == nil {
		return nil
	}
	return a.faults.Eval(point, args...)
}

// Register adds a relay registered under alias.
func (a *SiteAPI) Register(alias string) {
	a.mu.Lock()
	a.relays[alias]++
	a.mu.Unlock()
}

// Registered returns how many relays are registered under alias.
func (a *SiteAPI) Registered(alias string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relays[alias]
}

func (a *SiteAPI) Version(ctx context.Context, site relay.Site) (string, error) {
	a.record("Version", site.Name)
	if err := a.evalFault(FaultSiteAPIVersion, site.Name); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.version == "" {
		return "", fmt.Errorf("site %q did not report a version", site.Name)
	}
	return a.version, nil
}

func (a *SiteAPI) Hosts(ctx context.Context, site relay.Site) ([]string, error) {
	a.record("Hosts", site.Name)
	if err := a.evalFault(FaultSiteAPIHosts, site.Name); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.hosts), nil
}

func (a *SiteAPI) DeregisterAlias(ctx context.Context, site relay.Site, alias string) (int, error) {
	a.record("DeregisterAlias", site.Name, alias)
	if err := a.evalFault(FaultSiteAPIDeregister, site.Name, alias); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.relays[alias]
	delete(a.relays, alias)
	return n, nil
}
