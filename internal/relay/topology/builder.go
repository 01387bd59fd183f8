// Package topology computes the full specification of a relay pod from the
// resolved site and image. Building is pure: no runtime or network access.
package topology

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"

	"relayctl/internal/relay"
)

const (
	// SNMPHost is the hostname of the synthetic SNMP host.
	SNMPHost = "snmp-test-host"
	// SNMPAlias is the name the relay uses to reach the synthetic host.
	SNMPAlias = "test.relay"
	// GatewayHost resolves to the docker host from bridge networks.
	GatewayHost = "host.docker.internal"
	// ConfigTarget is where the RelayConfig directory is mounted.
	ConfigTarget = "/etc/check-mk-relay"
	// SNMPPort is published on the loopback address so the synthetic host
	// can be queried from the docker host.
	SNMPPort   = 161
	LoopbackIP = "127.0.0.1"

	DefaultSNMPDImage = "docker.io/library/alpine:3.20"
)

//go:embed templates/*.yaml.tmpl
var templateFS embed.FS

var manifests = template.Must(template.New("").Funcs(template.FuncMap{
	"quote": quote,
}).ParseFS(templateFS, "templates/*.yaml.tmpl"))

// Request carries everything a pod specification is derived from.
type Request struct {
	Kind  relay.Kind
	Site  relay.Site
	Image relay.Image
	// Targets lists the hosts a standard relay monitors.
	Targets []string
	// ConfigDir is the host directory the RelayConfig files are written to.
	ConfigDir string
}

type Builder struct {
	snmpdImage string
}

type Option func(*Builder)

func WithSNMPDImage(ref string) Option {
	return func(b *Builder) {
		if ref = strings.TrimSpace(ref); ref != "" {
			b.snmpdImage = ref
		}
	}
}

func New(opts ...Option) *Builder {
	b := &Builder{snmpdImage: DefaultSNMPDImage}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type manifestData struct {
	Project      string
	Image        string
	SNMPDImage   string
	RelayName    string
	SNMPDName    string
	RegisterName string
	Alias        string
	SNMPHost     string
	SNMPAlias    string
	SNMPPort     int
	LoopbackIP   string
	GatewayHost  string
	ConfigDir    string
	ConfigTarget string
	Network      string
	HostNetwork  bool
}

// Check reports the reasons a pod of kind can never be built against site,
// independent of image and targets. It lets callers fail before any slow
// discovery or image work.
func (b *Builder) Check(kind relay.Kind, site relay.Site) error {
	if !kind.IsValid() {
		return &relay.TopologyBuildError{Kind: kind, Reason: relay.ReasonInvalidManifest, Detail: "unknown relay kind"}
	}
	switch kind {
	case relay.KindIsolatedSNMP:
		if _, err := gatewayURL(site.URL); err != nil {
			return &relay.TopologyBuildError{Kind: kind, Reason: relay.ReasonUnreachableNetwork, Err: err}
		}
	case relay.KindStandardHost:
		if strings.TrimSpace(site.AgentNetwork) == "" {
			return &relay.TopologyBuildError{
				Kind:   kind,
				Reason: relay.ReasonUnreachableNetwork,
				Detail: fmt.Sprintf("site %q exposes no agent network", site.Name),
			}
		}
	}
	return nil
}

// Build computes the pod specification for req.
func (b *Builder) Build(ctx context.Context, req Request) (relay.Topology, error) {
	if err := b.Check(req.Kind, req.Site); err != nil {
		return relay.Topology{}, err
	}
	if strings.TrimSpace(req.ConfigDir) == "" {
		return relay.Topology{}, &relay.TopologyBuildError{Kind: req.Kind, Reason: relay.ReasonInvalidManifest, Detail: "no config directory"}
	}

	ref := relay.PodRef{Site: req.Site.Name, Kind: req.Kind}
	pod := ref.Name()
	data := manifestData{
		Project:      loader.NormalizeProjectName(pod),
		Image:        req.Image.Ref,
		SNMPDImage:   b.snmpdImage,
		RelayName:    relay.ContainerName(pod, relay.RoleRelay),
		SNMPDName:    relay.ContainerName(pod, relay.RoleSNMPD),
		RegisterName: relay.ContainerName(pod, relay.RoleRegister),
		Alias:        req.Kind.Alias(),
		SNMPHost:     SNMPHost,
		SNMPAlias:    SNMPAlias,
		SNMPPort:     SNMPPort,
		LoopbackIP:   LoopbackIP,
		GatewayHost:  GatewayHost,
		ConfigDir:    strings.TrimRight(req.ConfigDir, "/"),
		ConfigTarget: ConfigTarget,
	}

	var (
		siteURL = req.Site.URL
		targets []string
		network *relay.NetworkSpec
	)
	switch req.Kind {
	case relay.KindIsolatedSNMP:
		u, err := gatewayURL(req.Site.URL)
		if err != nil {
			return relay.Topology{}, &relay.TopologyBuildError{Kind: req.Kind, Reason: relay.ReasonUnreachableNetwork, Err: err}
		}
		siteURL = u
		targets = []string{SNMPAlias}
		data.Network = relay.PrivateNetworkName(req.Site.Name, req.Kind)
		network = &relay.NetworkSpec{Name: data.Network, Owned: true, Labels: relay.PodLabels(ref)}
	case relay.KindStandardHost:
		agentNet := strings.TrimSpace(req.Site.AgentNetwork)
		targets = normalizeTargets(req.Targets)
		if len(targets) == 0 {
			return relay.Topology{}, &relay.TopologyBuildError{
				Kind:   req.Kind,
				Reason: relay.ReasonNoTargetHosts,
				Detail: "pass --host or register hosts on the site",
			}
		}
		data.HostNetwork = agentNet == relay.HostAgentNetwork
		if !data.HostNetwork {
			data.Network = agentNet
			network = &relay.NetworkSpec{Name: agentNet, Owned: false}
		}
	}
	cfg, err := renderConfig(req.Kind, req.Site, siteURL, targets)
	if err != nil {
		return relay.Topology{}, &relay.TopologyBuildError{Kind: req.Kind, Reason: relay.ReasonInvalidManifest, Err: err}
	}

	manifest, err := render(req.Kind, data)
	if err != nil {
		return relay.Topology{}, &relay.TopologyBuildError{Kind: req.Kind, Reason: relay.ReasonInvalidManifest, Err: err}
	}
	project, err := load(ctx, manifest)
	if err != nil {
		return relay.Topology{}, &relay.TopologyBuildError{Kind: req.Kind, Reason: relay.ReasonInvalidManifest, Err: err}
	}
	containers, err := containerSpecs(project, ref)
	if err != nil {
		return relay.Topology{}, &relay.TopologyBuildError{Kind: req.Kind, Reason: relay.ReasonInvalidManifest, Err: err}
	}

	return relay.Topology{
		Kind:       req.Kind,
		PodName:    pod,
		Site:       req.Site,
		Image:      req.Image,
		Network:    network,
		Containers: containers,
		Targets:    targets,
		Config:     cfg,
		Manifest:   manifest,
	}, nil
}

// ManifestFile is the workspace file name of the rendered manifest.
func ManifestFile(kind relay.Kind) string {
	return kind.Short() + "-compose.yaml"
}

func render(kind relay.Kind, data manifestData) ([]byte, error) {
	var buf bytes.Buffer
	if err := manifests.ExecuteTemplate(&buf, kind.String()+".yaml.tmpl", data); err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func load(ctx context.Context, manifest []byte) (*compose.Project, error) {
	details := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{{Filename: "compose.yaml", Content: manifest}},
	}
	project, err := loader.LoadWithContext(ctx, details)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, fmt.Errorf("manifest has no services")
	}
	return project, nil
}

// quote renders s as a YAML double-quoted scalar safe from compose interpolation.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return strings.ReplaceAll(string(b), "$", "$$")
}

func normalizeTargets(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
