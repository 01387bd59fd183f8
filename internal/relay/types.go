// Package relay holds the data model shared by the relay orchestration
// engine: sites, images, topologies, pods and the error taxonomy.
package relay

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind selects one of the two supported relay topologies.
type Kind uint8

const (
	KindIsolatedSNMP Kind = iota + 1
	KindStandardHost
)

// Kinds lists every supported topology in a stable order.
var Kinds = []Kind{KindIsolatedSNMP, KindStandardHost}

func (k Kind) String() string {
	switch k {
	case KindIsolatedSNMP:
		return "isolated-snmp"
	case KindStandardHost:
		return "standard-host"
	default:
		return "unknown"
	}
}

// Short is the compact name used in pod names and workspace paths.
func (k Kind) Short() string {
	switch k {
	case KindIsolatedSNMP:
		return "snmp"
	case KindStandardHost:
		return "host"
	default:
		return "unknown"
	}
}

// Alias is the name the relay registers under on the site. The SNMP alias
// matches the registrations earlier podman based relays left on dev sites.
func (k Kind) Alias() string {
	switch k {
	case KindIsolatedSNMP:
		return "podman-relay"
	case KindStandardHost:
		return "host-relay"
	default:
		return ""
	}
}

func (k Kind) IsValid() bool {
	return k == KindIsolatedSNMP || k == KindStandardHost
}

// ParseKind accepts both the long and the short topology names.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "isolated-snmp", "snmp":
		return KindIsolatedSNMP, nil
	case "standard-host", "host":
		return KindStandardHost, nil
	default:
		return 0, fmt.Errorf("invalid relay kind %q (want isolated-snmp or standard-host)", s)
	}
}

type SiteKind uint8

const (
	SiteLocal SiteKind = iota + 1
	SiteRemote
)

func (k SiteKind) String() string {
	switch k {
	case SiteLocal:
		return "local"
	case SiteRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Provenance records which resolution strategy produced a site.
type Provenance uint8

const (
	ProvenanceExplicit Provenance = iota + 1
	ProvenanceEnv
	ProvenanceMarker
	ProvenanceProbe
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceExplicit:
		return "explicit"
	case ProvenanceEnv:
		return "environment"
	case ProvenanceMarker:
		return "marker-file"
	case ProvenanceProbe:
		return "live-probe"
	default:
		return "unknown"
	}
}

// HostAgentNetwork is the agent network of a local site: the relay shares
// the host's network namespace.
const HostAgentNetwork = "host"

// Site is the monitoring installation a relay pod registers against.
type Site struct {
	Name         string     `json:"name"`
	Kind         SiteKind   `json:"kind"`
	URL          string     `json:"url"`
	Username     string     `json:"username"`
	Password     string     `json:"password"`
	AgentNetwork string     `json:"agent_network,omitempty"`
	Version      string     `json:"version,omitempty"`
	Provenance   Provenance `json:"provenance"`
}

// APIURL returns the REST API base of the site.
func (s Site) APIURL() string {
	return strings.TrimRight(s.URL, "/") + "/" + s.Name + "/check_mk/api/1.0"
}

// SiteKindForURL classifies a web URL: loopback hosts are local sites.
func SiteKindForURL(raw string) SiteKind {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Hostname() == "" {
		return SiteLocal
	}
	host := u.Hostname()
	if host == "localhost" {
		return SiteLocal
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return SiteLocal
	}
	return SiteRemote
}

type ImageMode uint8

const (
	ImageModeAuto ImageMode = iota + 1
	ImageModeBuild
	ImageModePull
)

func (m ImageMode) String() string {
	switch m {
	case ImageModeAuto:
		return "auto"
	case ImageModeBuild:
		return "build"
	case ImageModePull:
		return "pull"
	default:
		return "unknown"
	}
}

func ParseImageMode(s string) (ImageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ImageModeAuto, nil
	case "build", "force-build":
		return ImageModeBuild, nil
	case "pull", "force-pull":
		return ImageModePull, nil
	default:
		return 0, fmt.Errorf("invalid image mode %q (want auto, build or pull)", s)
	}
}

type ImageOrigin uint8

const (
	OriginBuilt ImageOrigin = iota + 1
	OriginPulled
)

func (o ImageOrigin) String() string {
	switch o {
	case OriginBuilt:
		return "built-locally"
	case OriginPulled:
		return "pulled-from-registry"
	default:
		return "unknown"
	}
}

// Image is the relay container image selected for a run.
type Image struct {
	Ref     string      `json:"ref"`
	Version string      `json:"version"`
	Origin  ImageOrigin `json:"origin"`
}

// Mount is a bind mount into a container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// PortMapping publishes a container port. A zero HostPort with a HostIP
// binds an ephemeral port on that address.
type PortMapping struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      uint16 `json:"host_port"`
	ContainerPort uint16 `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// ContainerSpec describes one container of a relay pod.
type ContainerSpec struct {
	Name        string            `json:"name"`
	Role        string            `json:"role"`
	Image       string            `json:"image"`
	Command     []string          `json:"command,omitempty"`
	Env         []string          `json:"env,omitempty"`
	Hostname    string            `json:"hostname,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty"`
	Network     string            `json:"network,omitempty"`
	Aliases     []string          `json:"aliases,omitempty"`
	ExtraHosts  []string          `json:"extra_hosts,omitempty"`
	Mounts      []Mount           `json:"mounts,omitempty"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// NetworkSpec is the network a pod attaches to. Owned networks are created
// with the pod and removed with it; others must already exist.
type NetworkSpec struct {
	Name     string            `json:"name"`
	Owned    bool              `json:"owned"`
	Internal bool              `json:"internal,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// ConfigFile is one rendered RelayConfig file, relative to the pod's config dir.
type ConfigFile struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// RelayConfig is the configuration injected into a pod at creation time.
type RelayConfig struct {
	Files []ConfigFile `json:"files"`
}

// Topology is the fully computed specification of a relay pod.
type Topology struct {
	Kind       Kind            `json:"kind"`
	PodName    string          `json:"pod_name"`
	Site       Site            `json:"site"`
	Image      Image           `json:"image"`
	Network    *NetworkSpec    `json:"network,omitempty"`
	Containers []ContainerSpec `json:"containers"`
	Targets    []string        `json:"targets,omitempty"`
	Config     RelayConfig     `json:"config"`
	Manifest   []byte          `json:"manifest"`
}

// Ref identifies the pod described by the topology.
func (t Topology) Ref() PodRef {
	return PodRef{Site: t.Site.Name, Kind: t.Kind}
}

// PodRef identifies a relay pod by site and kind. The pod name is derived
// from both and is the only concurrency key.
type PodRef struct {
	Site string
	Kind Kind
}

func (r PodRef) Name() string {
	return PodName(r.Site, r.Kind)
}

func (r PodRef) String() string {
	return r.Name()
}
