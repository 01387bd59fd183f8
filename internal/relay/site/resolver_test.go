package site

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relayctl/internal/adapter/fake"
	"relayctl/internal/relay"
)

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeMarker(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, MarkerFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

var localConn = Connection{URL: "http://localhost", Username: "cmkadmin", Password: "cmk"}

func TestIdentifyPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeMarker(t, dir, "marker-site\n")

	tests := []struct {
		name     string
		explicit string
		env      map[string]string
		workDir  string
		sites    []string
		want     string
		wantProv relay.Provenance
	}{
		{
			name:     "explicit beats everything",
			explicit: "flag-site",
			env:      map[string]string{EnvSite: "env-site"},
			workDir:  dir,
			sites:    []string{"probe-site"},
			want:     "flag-site",
			wantProv: relay.ProvenanceExplicit,
		},
		{
			name:     "env beats marker",
			env:      map[string]string{EnvSite: "env-site"},
			workDir:  dir,
			sites:    []string{"probe-site"},
			want:     "env-site",
			wantProv: relay.ProvenanceEnv,
		},
		{
			name:     "marker beats probe",
			workDir:  dir,
			sites:    []string{"probe-site"},
			want:     "marker-site",
			wantProv: relay.ProvenanceMarker,
		},
		{
			name:     "single probed site",
			workDir:  t.TempDir(),
			sites:    []string{"probe-site"},
			want:     "probe-site",
			wantProv: relay.ProvenanceProbe,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(localConn, fake.NewSiteProber(tt.sites...),
				WithEnv(envOf(tt.env)), WithWorkDir(tt.workDir))
			got, err := r.Identify(t.Context(), tt.explicit)
			if err != nil {
				t.Fatalf("Identify() error = %v", err)
			}
			if got.Name != tt.want || got.Provenance != tt.wantProv {
				t.Fatalf("Identify() = %s via %s, want %s via %s", got.Name, got.Provenance, tt.want, tt.wantProv)
			}
		})
	}
}

func TestIdentifyMarkerInParentDirectory(t *testing.T) {
	root := t.TempDir()
	writeMarker(t, root, "demo-01")
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	prober := fake.NewSiteProber("other")
	r := New(localConn, prober, WithWorkDir(nested))
	got, err := r.Identify(t.Context(), "")
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if got.Name != "demo-01" {
		t.Fatalf("Identify() name = %q, want demo-01", got.Name)
	}
	if calls := prober.Calls("Sites"); len(calls) != 0 {
		t.Fatalf("probe consulted %d times after marker hit", len(calls))
	}
}

func TestIdentifyFailsOnAmbiguousProbe(t *testing.T) {
	r := New(localConn, fake.NewSiteProber("a", "b"), WithWorkDir(t.TempDir()))
	_, err := r.Identify(t.Context(), "")
	if !errors.Is(err, relay.ErrSiteNotFound) {
		t.Fatalf("Identify() error = %v, want ErrSiteNotFound", err)
	}

	var snf *relay.SiteNotFoundError
	if !errors.As(err, &snf) {
		t.Fatalf("error is %T, want *relay.SiteNotFoundError", err)
	}
	if len(snf.Attempts) != 4 {
		t.Fatalf("attempts = %d, want 4: %v", len(snf.Attempts), snf.Attempts)
	}
	if !strings.Contains(err.Error(), "2 sites: a, b") {
		t.Fatalf("error does not list candidates: %v", err)
	}
}

func TestIdentifyNoSites(t *testing.T) {
	prober := fake.NewSiteProber()
	prober.SitesErr = func(context.Context) error { return ErrProbeUnavailable }
	r := New(localConn, prober, WithWorkDir(t.TempDir()))

	_, err := r.Identify(t.Context(), "")
	if !errors.Is(err, relay.ErrSiteNotFound) {
		t.Fatalf("Identify() error = %v, want ErrSiteNotFound", err)
	}
	if !strings.Contains(err.Error(), "omd not available") {
		t.Fatalf("error does not explain probe failure: %v", err)
	}
}

func TestIdentifyRejectsInvalidName(t *testing.T) {
	r := New(localConn, fake.NewSiteProber("fallback"), WithEnv(envOf(map[string]string{EnvSite: "bad site"})))
	if _, err := r.Identify(t.Context(), ""); !errors.Is(err, relay.ErrSiteNotFound) {
		t.Fatalf("Identify() error = %v, want ErrSiteNotFound", err)
	}
}

func TestIdentifySiteKind(t *testing.T) {
	local, err := New(localConn, nil).Identify(t.Context(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if local.Kind != relay.SiteLocal || local.AgentNetwork != relay.HostAgentNetwork {
		t.Fatalf("local site = %+v", local)
	}

	remoteConn := Connection{URL: "https://monitoring.example.com", AgentNetwork: "agents"}
	remote, err := New(remoteConn, nil).Identify(t.Context(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if remote.Kind != relay.SiteRemote || remote.AgentNetwork != "agents" {
		t.Fatalf("remote site = %+v", remote)
	}
	if got := remote.APIURL(); got != "https://monitoring.example.com/s1/check_mk/api/1.0" {
		t.Fatalf("APIURL() = %q", got)
	}
}

func TestResolveMemoizes(t *testing.T) {
	prober := fake.NewSiteProber("demo-01")
	prober.SetVersion("demo-01", "2.5.0-2025.12.22.ultimate")
	r := New(localConn, prober, WithWorkDir(t.TempDir()))

	for range 3 {
		got, err := r.Resolve(t.Context(), "")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got.Version != "2.5.0-2025.12.22" {
			t.Fatalf("Resolve() version = %q", got.Version)
		}
	}
	if n := len(prober.Calls("Sites")); n != 1 {
		t.Fatalf("Sites called %d times, want 1", n)
	}
	if n := len(prober.Calls("Version")); n != 1 {
		t.Fatalf("Version called %d times, want 1", n)
	}
}

type staticVersions map[string]string

func (s staticVersions) Version(_ context.Context, site relay.Site) (string, error) {
	v, ok := s[site.Name]
	if !ok {
		return "", errors.New("unknown site")
	}
	return v, nil
}

func TestResolveRemoteUsesAPI(t *testing.T) {
	prober := fake.NewSiteProber()
	r := New(Connection{URL: "https://cmk.example.com"}, prober,
		WithVersionClient(staticVersions{"prod": "2.4.0p3.cee"}))

	got, err := r.Resolve(t.Context(), "prod")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Version != "2.4.0p3" {
		t.Fatalf("Resolve() version = %q", got.Version)
	}
	if n := len(prober.Calls("")); n != 0 {
		t.Fatalf("local prober called %d times for remote site", n)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "OMD - Open Monitoring Distribution Version 2.5.0-2025.12.22.ultimate", want: "2.5.0-2025.12.22"},
		{in: "OMD - Open Monitoring Distribution Version 2.4.0p12.cee\n", want: "2.4.0p12"},
		{in: "OMD - Open Monitoring Distribution Version 2.3.0p1.cre", want: "2.3.0p1"},
		{in: "OMD - Open Monitoring Distribution Version 2.3.0p1", want: "2.3.0p1"},
		{in: "Invalid output", wantErr: true},
		{in: "Version ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseVersion(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseVersion(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
