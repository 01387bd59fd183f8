package docker

import (
	"slices"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"

	"relayctl/internal/relay"
)

func TestCreateConfigPrivateNetwork(t *testing.T) {
	spec := relay.ContainerSpec{
		Name:       "relay-snmp-pod-demo-relay",
		Image:      "docker.io/checkmk/check-mk-relay:2.5.0",
		Env:        []string{"A=1"},
		Hostname:   "relay",
		Network:    "relay-snmp-net-demo",
		Aliases:    []string{"relay.test"},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		Mounts:     []relay.Mount{{Source: "/tmp/cfg", Target: "/etc/check-mk-relay", ReadOnly: true}},
		Ports:      []relay.PortMapping{{HostPort: 1161, ContainerPort: 161, Protocol: "udp"}},
		Labels:     map[string]string{relay.LabelPod: "relay-snmp-pod-demo"},
	}

	cc, hc, nc, err := createConfig(spec)
	if err != nil {
		t.Fatalf("createConfig() error = %v", err)
	}
	if cc.Image != spec.Image || cc.Hostname != "relay" || cc.Labels[relay.LabelPod] != "relay-snmp-pod-demo" {
		t.Fatalf("container config = %+v", cc)
	}
	if hc.NetworkMode != "relay-snmp-net-demo" {
		t.Fatalf("NetworkMode = %q", hc.NetworkMode)
	}
	if hc.RestartPolicy.Name != container.RestartPolicyDisabled {
		t.Fatalf("RestartPolicy = %q", hc.RestartPolicy.Name)
	}
	want := mount.Mount{Type: mount.TypeBind, Source: "/tmp/cfg", Target: "/etc/check-mk-relay", ReadOnly: true}
	if len(hc.Mounts) != 1 || hc.Mounts[0] != want {
		t.Fatalf("Mounts = %+v", hc.Mounts)
	}
	if nc == nil || !slices.Equal(nc.EndpointsConfig["relay-snmp-net-demo"].Aliases, []string{"relay.test"}) {
		t.Fatalf("NetworkingConfig = %+v", nc)
	}

	port := nat.Port("161/udp")
	if _, ok := cc.ExposedPorts[port]; !ok {
		t.Fatalf("ExposedPorts = %v", cc.ExposedPorts)
	}
	if b := hc.PortBindings[port]; len(b) != 1 || b[0].HostPort != "1161" {
		t.Fatalf("PortBindings = %v", hc.PortBindings)
	}
}

func TestPortBindingsLoopbackEphemeral(t *testing.T) {
	exposed, bindings, err := portBindings([]relay.PortMapping{
		{HostIP: "127.0.0.1", ContainerPort: 161, Protocol: "udp"},
		{ContainerPort: 8080, Protocol: "tcp"},
	})
	if err != nil {
		t.Fatalf("portBindings() error = %v", err)
	}
	if len(exposed) != 2 {
		t.Fatalf("exposed = %v, want 161/udp and 8080/tcp", exposed)
	}
	want := []nat.PortBinding{{HostIP: "127.0.0.1"}}
	if got := bindings[nat.Port("161/udp")]; !slices.Equal(got, want) {
		t.Fatalf("bindings[161/udp] = %v, want %v", got, want)
	}
	if _, ok := bindings[nat.Port("8080/tcp")]; ok {
		t.Fatalf("bindings = %v, want 8080/tcp exposed only", bindings)
	}
}

func TestCreateConfigHostNetwork(t *testing.T) {
	cc, hc, nc, err := createConfig(relay.ContainerSpec{
		Name:        "relay-host-pod-demo-relay",
		Image:       "localhost/check-mk-relay:latest",
		NetworkMode: "host",
		Network:     "ignored",
	})
	if err != nil {
		t.Fatal(err)
	}
	if hc.NetworkMode != "host" || nc != nil {
		t.Fatalf("NetworkMode = %q, NetworkingConfig = %+v", hc.NetworkMode, nc)
	}
	if cc.ExposedPorts != nil || hc.PortBindings != nil {
		t.Fatalf("unexpected ports: %v %v", cc.ExposedPorts, hc.PortBindings)
	}
}

func TestContainerStatus(t *testing.T) {
	got := containerStatus(container.Summary{
		ID:     "abc",
		Names:  []string{"/relay-host-pod-demo-relay"},
		Image:  "localhost/check-mk-relay:latest",
		State:  "exited",
		Status: "Exited (137) 3 minutes ago",
		Labels: map[string]string{relay.LabelRole: relay.RoleRelay},
	})
	want := relay.ContainerStatus{
		Name:     "relay-host-pod-demo-relay",
		Role:     relay.RoleRelay,
		Image:    "localhost/check-mk-relay:latest",
		State:    relay.ContainerExited,
		ExitCode: 137,
		Status:   "Exited (137) 3 minutes ago",
	}
	if got != want {
		t.Fatalf("containerStatus() = %+v, want %+v", got, want)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		status string
		want   int
	}{
		{"Exited (0) 1 second ago", 0},
		{"Exited (1) 2 minutes ago", 1},
		{"Exited (143) 1 hour ago", 143},
		{"Up 5 seconds", 0},
		{"Exited (x) 1 second ago", 0},
		{"Created", 0},
	}
	for _, tt := range tests {
		if got := exitCode(tt.status); got != tt.want {
			t.Fatalf("exitCode(%q) = %d, want %d", tt.status, got, tt.want)
		}
	}
}
