package relay

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAggregateState(t *testing.T) {
	tests := []struct {
		name       string
		containers []ContainerStatus
		want       PodState
	}{
		{name: "no containers", want: PodAbsent},
		{
			name: "all running",
			containers: []ContainerStatus{
				{Name: "a", State: ContainerRunning},
				{Name: "b", State: ContainerRunning},
			},
			want: PodRunning,
		},
		{
			name: "all created",
			containers: []ContainerStatus{
				{Name: "a", State: ContainerCreated},
				{Name: "b", State: ContainerCreated},
			},
			want: PodCreated,
		},
		{
			name: "stopped by signal",
			containers: []ContainerStatus{
				{Name: "a", State: ContainerExited, ExitCode: 143},
				{Name: "b", State: ContainerExited, ExitCode: 137},
			},
			want: PodStopped,
		},
		{
			name: "crashed container",
			containers: []ContainerStatus{
				{Name: "a", State: ContainerRunning},
				{Name: "b", State: ContainerExited, ExitCode: 1},
			},
			want: PodFailed,
		},
		{
			name: "partially running",
			containers: []ContainerStatus{
				{Name: "a", State: ContainerRunning},
				{Name: "b", State: ContainerExited},
			},
			want: PodFailed,
		},
		{
			name:       "dead",
			containers: []ContainerStatus{{Name: "a", State: ContainerDead}},
			want:       PodFailed,
		},
		{
			name: "registered and running",
			containers: []ContainerStatus{
				{Name: "r", Role: RoleRegister, State: ContainerExited},
				{Name: "a", Role: RoleRelay, State: ContainerRunning},
			},
			want: PodRunning,
		},
		{
			name: "still registering",
			containers: []ContainerStatus{
				{Name: "r", Role: RoleRegister, State: ContainerRunning},
				{Name: "a", Role: RoleRelay, State: ContainerCreated},
			},
			want: PodCreated,
		},
		{
			name: "registration rejected",
			containers: []ContainerStatus{
				{Name: "r", Role: RoleRegister, State: ContainerExited, ExitCode: 2},
				{Name: "a", Role: RoleRelay, State: ContainerCreated},
			},
			want: PodFailed,
		},
		{
			name: "registered and stopped",
			containers: []ContainerStatus{
				{Name: "r", Role: RoleRegister, State: ContainerExited},
				{Name: "a", Role: RoleRelay, State: ContainerExited, ExitCode: 143},
			},
			want: PodStopped,
		},
		{
			name: "created and exited",
			containers: []ContainerStatus{
				{Name: "a", State: ContainerCreated},
				{Name: "b", State: ContainerExited},
			},
			want: PodStopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateState(tt.containers); got != tt.want {
				t.Fatalf("AggregateState() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPodNameDeterministic(t *testing.T) {
	if got := PodName("demo-01", KindIsolatedSNMP); got != "relay-snmp-pod-demo-01" {
		t.Fatalf("PodName() = %q", got)
	}
	if got := (PodRef{Site: "demo-01", Kind: KindStandardHost}).Name(); got != "relay-host-pod-demo-01" {
		t.Fatalf("PodRef.Name() = %q", got)
	}
	if got := ContainerName("relay-snmp-pod-demo-01", RoleSNMPD); got != "relay-snmp-pod-demo-01-snmpd" {
		t.Fatalf("ContainerName() = %q", got)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"isolated-snmp": KindIsolatedSNMP,
		"SNMP":          KindIsolatedSNMP,
		"standard-host": KindStandardHost,
		" host ":        KindStandardHost,
	} {
		got, err := ParseKind(in)
		if err != nil {
			t.Fatalf("ParseKind(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseKind(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseKind("bridge"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestSiteKindForURL(t *testing.T) {
	for in, want := range map[string]SiteKind{
		"http://localhost":        SiteLocal,
		"http://127.0.0.1:8080":   SiteLocal,
		"http://[::1]":            SiteLocal,
		"https://monitoring.corp": SiteRemote,
		"http://10.0.0.5/":        SiteRemote,
		"":                        SiteLocal,
	} {
		if got := SiteKindForURL(in); got != want {
			t.Fatalf("SiteKindForURL(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	snf := &SiteNotFoundError{Attempts: []Attempt{
		{Strategy: "explicit flag", Detail: "not set"},
		{Strategy: "omd probe", Detail: "2 sites: a, b"},
	}}
	if !errors.Is(snf, ErrSiteNotFound) {
		t.Fatal("SiteNotFoundError should match ErrSiteNotFound")
	}
	if !strings.Contains(snf.Error(), "omd probe (2 sites: a, b)") {
		t.Fatalf("message does not list attempts: %q", snf.Error())
	}

	wrapped := &StageError{Op: "up", Stage: StageTopology, Err: &TopologyBuildError{
		Kind:   KindStandardHost,
		Reason: ReasonUnreachableNetwork,
	}}
	if !errors.Is(wrapped, ErrTopologyBuild) {
		t.Fatal("StageError should unwrap to ErrTopologyBuild")
	}
	if !IsResolutionFailure(wrapped) {
		t.Fatal("topology stage is a resolution stage")
	}
	var tbe *TopologyBuildError
	if !errors.As(wrapped, &tbe) || tbe.Reason != ReasonUnreachableNetwork {
		t.Fatalf("errors.As TopologyBuildError = %v", tbe)
	}

	rt := fmt.Errorf("start: %w", &RuntimeError{Op: "start container", Target: "x", Transient: true, Err: errors.New("EAGAIN")})
	if !IsTransient(rt) || !errors.Is(rt, ErrRuntime) {
		t.Fatal("runtime error should be transient and match ErrRuntime")
	}
	if IsResolutionFailure(&StageError{Stage: StageRuntime, Err: rt}) {
		t.Fatal("runtime stage is not a resolution stage")
	}
}
