package topology

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"relayctl/internal/relay"
)

var (
	localSite = relay.Site{
		Name:         "demo-01",
		Kind:         relay.SiteLocal,
		URL:          "http://localhost",
		Username:     "cmkadmin",
		Password:     "cmk",
		AgentNetwork: relay.HostAgentNetwork,
		Version:      "2.5.0-2025.12.22",
	}
	relayImage = relay.Image{Ref: "docker.io/checkmk/check-mk-relay:2.5.0-2025.12.22", Version: "2.5.0-2025.12.22", Origin: relay.OriginPulled}
)

func configFile(t *testing.T, topo relay.Topology, name string) []byte {
	t.Helper()
	for _, f := range topo.Config.Files {
		if f.Name == name {
			return f.Content
		}
	}
	t.Fatalf("config file %s missing", name)
	return nil
}

func containerByRole(t *testing.T, topo relay.Topology, role string) relay.ContainerSpec {
	t.Helper()
	for _, c := range topo.Containers {
		if c.Role == role {
			return c
		}
	}
	t.Fatalf("container with role %s missing", role)
	return relay.ContainerSpec{}
}

func TestBuildIsolatedSNMP(t *testing.T) {
	topo, err := New().Build(t.Context(), Request{
		Kind:      relay.KindIsolatedSNMP,
		Site:      localSite,
		Image:     relayImage,
		ConfigDir: "/tmp/cmk-dev-relay/demo-01/snmp/config",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if topo.PodName != "relay-snmp-pod-demo-01" {
		t.Fatalf("PodName = %q", topo.PodName)
	}
	if topo.Network == nil || !topo.Network.Owned || topo.Network.Name != "relay-snmp-net-demo-01" {
		t.Fatalf("Network = %+v, want owned relay-snmp-net-demo-01", topo.Network)
	}
	roles := make([]string, 0, len(topo.Containers))
	for _, c := range topo.Containers {
		roles = append(roles, c.Role)
	}
	if want := []string{relay.RoleRegister, relay.RoleSNMPD, relay.RoleRelay}; !slices.Equal(roles, want) {
		t.Fatalf("container roles = %v, want %v", roles, want)
	}

	snmpd := containerByRole(t, topo, relay.RoleSNMPD)
	if snmpd.Name != "relay-snmp-pod-demo-01-snmpd" || snmpd.Hostname != SNMPHost {
		t.Fatalf("snmpd = %+v", snmpd)
	}
	if snmpd.Network != topo.Network.Name || !slices.Contains(snmpd.Aliases, SNMPAlias) {
		t.Fatalf("snmpd network = %q aliases = %v", snmpd.Network, snmpd.Aliases)
	}
	wantPorts := []relay.PortMapping{{HostIP: LoopbackIP, ContainerPort: SNMPPort, Protocol: "udp"}}
	if !slices.Equal(snmpd.Ports, wantPorts) {
		t.Fatalf("snmpd ports = %+v, want %+v", snmpd.Ports, wantPorts)
	}

	reg := containerByRole(t, topo, relay.RoleRegister)
	if reg.Name != "relay-snmp-pod-demo-01-register" || reg.Image != relayImage.Ref || reg.Network != topo.Network.Name {
		t.Fatalf("register = %+v", reg)
	}
	if want := []string{"cmk-relay", "register", "-n", "podman-relay"}; !slices.Equal(reg.Command, want) {
		t.Fatalf("register command = %q, want %q", reg.Command, want)
	}
	if len(reg.Mounts) != 1 || reg.Mounts[0].Target != ConfigTarget || reg.Mounts[0].ReadOnly {
		t.Fatalf("register mounts = %+v, want writable config dir", reg.Mounts)
	}

	rc := containerByRole(t, topo, relay.RoleRelay)
	if rc.Image != relayImage.Ref || rc.Network != topo.Network.Name {
		t.Fatalf("relay = %+v", rc)
	}
	if !slices.Contains(rc.ExtraHosts, "host.docker.internal:host-gateway") {
		t.Fatalf("relay extra hosts = %v", rc.ExtraHosts)
	}
	if rc.Labels[relay.LabelPod] != topo.PodName || rc.Labels[relay.LabelRole] != relay.RoleRelay {
		t.Fatalf("relay labels = %v", rc.Labels)
	}
	if len(rc.Mounts) != 1 || rc.Mounts[0].Target != ConfigTarget || !rc.Mounts[0].ReadOnly {
		t.Fatalf("relay mounts = %+v", rc.Mounts)
	}

	var rf relayFile
	if err := yaml.Unmarshal(configFile(t, topo, RelayFile), &rf); err != nil {
		t.Fatal(err)
	}
	if rf.SiteURL != "http://host.docker.internal" || rf.Alias != "podman-relay" {
		t.Fatalf("relay.yaml = %+v", rf)
	}
	if rf.APIURL != "http://host.docker.internal/demo-01/check_mk/api/1.0" {
		t.Fatalf("relay.yaml api_url = %q", rf.APIURL)
	}
	if !bytes.Contains(configFile(t, topo, SNMPDFile), []byte("sysName snmp-test-host")) {
		t.Fatal("snmpd.conf does not name the synthetic host")
	}
	if !slices.Equal(topo.Targets, []string{SNMPAlias}) {
		t.Fatalf("Targets = %v", topo.Targets)
	}
}

func TestBuildStandardHostLocal(t *testing.T) {
	topo, err := New().Build(t.Context(), Request{
		Kind:      relay.KindStandardHost,
		Site:      localSite,
		Image:     relayImage,
		Targets:   []string{"web-02", "web-01", "web-01", " "},
		ConfigDir: "/work/config/",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if topo.Network != nil {
		t.Fatalf("Network = %+v, want nil for host networking", topo.Network)
	}
	if len(topo.Containers) != 2 || topo.Containers[0].Role != relay.RoleRegister {
		t.Fatalf("Containers = %+v, want register then relay", topo.Containers)
	}
	for _, c := range topo.Containers {
		if c.NetworkMode != "host" || c.Network != "" || len(c.Ports) != 0 {
			t.Fatalf("%s network mode = %q network = %q ports = %v", c.Role, c.NetworkMode, c.Network, c.Ports)
		}
	}
	reg := containerByRole(t, topo, relay.RoleRegister)
	if want := []string{"cmk-relay", "register", "-n", "host-relay"}; !slices.Equal(reg.Command, want) {
		t.Fatalf("register command = %q, want %q", reg.Command, want)
	}
	rc := containerByRole(t, topo, relay.RoleRelay)
	if rc.Mounts[0].Source != "/work/config" {
		t.Fatalf("mount source = %q", rc.Mounts[0].Source)
	}
	if !slices.Equal(topo.Targets, []string{"web-01", "web-02"}) {
		t.Fatalf("Targets = %v", topo.Targets)
	}

	var hf hostsFile
	if err := yaml.Unmarshal(configFile(t, topo, HostsFile), &hf); err != nil {
		t.Fatal(err)
	}
	if len(hf.Hosts) != 2 || hf.Hosts[0].Protocol != agentProto {
		t.Fatalf("hosts.yaml = %+v", hf)
	}

	var rf relayFile
	if err := yaml.Unmarshal(configFile(t, topo, RelayFile), &rf); err != nil {
		t.Fatal(err)
	}
	if rf.SiteURL != "http://localhost" {
		t.Fatalf("host relay should use the site url unchanged, got %q", rf.SiteURL)
	}
}

func TestBuildStandardHostRemote(t *testing.T) {
	site := localSite
	site.Kind = relay.SiteRemote
	site.URL = "https://cmk.example.com"
	site.AgentNetwork = "agents"

	topo, err := New().Build(t.Context(), Request{
		Kind:      relay.KindStandardHost,
		Site:      site,
		Image:     relayImage,
		Targets:   []string{"db-01"},
		ConfigDir: "/work/config",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if topo.Network == nil || topo.Network.Owned || topo.Network.Name != "agents" {
		t.Fatalf("Network = %+v, want external agents", topo.Network)
	}
	for _, c := range topo.Containers {
		if c.Network != "agents" || c.NetworkMode != "" {
			t.Fatalf("%s = %+v, want attached to agents", c.Role, c)
		}
	}
}

func TestBuildStandardHostErrors(t *testing.T) {
	noNetwork := localSite
	noNetwork.AgentNetwork = ""

	tests := []struct {
		name    string
		site    relay.Site
		targets []string
		reason  relay.TopologyReason
	}{
		{name: "no agent network", site: noNetwork, targets: []string{"a"}, reason: relay.ReasonUnreachableNetwork},
		{name: "no targets", site: localSite, reason: relay.ReasonNoTargetHosts},
		{name: "blank targets", site: localSite, targets: []string{"", "  "}, reason: relay.ReasonNoTargetHosts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Build(t.Context(), Request{
				Kind:      relay.KindStandardHost,
				Site:      tt.site,
				Image:     relayImage,
				Targets:   tt.targets,
				ConfigDir: "/work/config",
			})
			if !errors.Is(err, relay.ErrTopologyBuild) {
				t.Fatalf("Build() error = %v, want ErrTopologyBuild", err)
			}
			var tbe *relay.TopologyBuildError
			if !errors.As(err, &tbe) || tbe.Reason != tt.reason {
				t.Fatalf("Build() reason = %v, want %s", tbe, tt.reason)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	noNetwork := localSite
	noNetwork.AgentNetwork = ""
	badURL := localSite
	badURL.URL = "://nowhere"

	tests := []struct {
		name   string
		kind   relay.Kind
		site   relay.Site
		reason relay.TopologyReason
	}{
		{name: "standard host", kind: relay.KindStandardHost, site: localSite},
		{name: "isolated snmp", kind: relay.KindIsolatedSNMP, site: noNetwork},
		{name: "no agent network", kind: relay.KindStandardHost, site: noNetwork, reason: relay.ReasonUnreachableNetwork},
		{name: "unparsable site url", kind: relay.KindIsolatedSNMP, site: badURL, reason: relay.ReasonUnreachableNetwork},
		{name: "unknown kind", kind: relay.Kind(0), site: localSite, reason: relay.ReasonInvalidManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Check(tt.kind, tt.site)
			if tt.reason == 0 {
				if err != nil {
					t.Fatalf("Check() error = %v", err)
				}
				return
			}
			var tbe *relay.TopologyBuildError
			if !errors.As(err, &tbe) || tbe.Reason != tt.reason {
				t.Fatalf("Check() error = %v, want reason %s", err, tt.reason)
			}
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	req := Request{
		Kind:      relay.KindIsolatedSNMP,
		Site:      localSite,
		Image:     relayImage,
		ConfigDir: "/work/config",
	}
	a, err := New().Build(t.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New().Build(t.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Manifest, b.Manifest) {
		t.Fatal("manifests differ between builds")
	}
	for i := range a.Config.Files {
		if !bytes.Equal(a.Config.Files[i].Content, b.Config.Files[i].Content) {
			t.Fatalf("config file %s differs between builds", a.Config.Files[i].Name)
		}
	}
}

func TestBuildEscapesInterpolation(t *testing.T) {
	site := localSite
	site.Password = "pa$$word"
	topo, err := New().Build(t.Context(), Request{
		Kind:      relay.KindIsolatedSNMP,
		Site:      site,
		Image:     relayImage,
		ConfigDir: "/work/$HOME/config",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	rc := containerByRole(t, topo, relay.RoleRelay)
	if rc.Mounts[0].Source != "/work/$HOME/config" {
		t.Fatalf("mount source = %q, want literal $HOME", rc.Mounts[0].Source)
	}
	if !strings.Contains(string(configFile(t, topo, RelayFile)), "pa$$word") {
		t.Fatal("password was altered in relay.yaml")
	}
}

func TestContainerSpecsPorts(t *testing.T) {
	project, err := load(t.Context(), []byte(`
name: ports
services:
  relay:
    image: relay:latest
    container_name: p-relay
    ports:
      - "8080:80"
      - target: 161
        published: "1161"
        protocol: udp
`))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	specs, err := containerSpecs(project, relay.PodRef{Site: "s", Kind: relay.KindStandardHost})
	if err != nil {
		t.Fatalf("containerSpecs() error = %v", err)
	}
	want := []relay.PortMapping{
		{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"},
		{HostPort: 1161, ContainerPort: 161, Protocol: "udp"},
	}
	if !slices.Equal(specs[0].Ports, want) {
		t.Fatalf("Ports = %+v, want %+v", specs[0].Ports, want)
	}
}

func TestGatewayURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://localhost":        "http://host.docker.internal",
		"http://127.0.0.1:5000/x": "http://host.docker.internal:5000/x",
		"https://cmk.example.com": "https://cmk.example.com",
	} {
		got, err := gatewayURL(in)
		if err != nil {
			t.Fatalf("gatewayURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("gatewayURL(%q) = %q, want %q", in, got, want)
		}
	}
}
