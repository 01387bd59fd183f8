package relay

import "fmt"

const (
	// LabelPod marks every container and network belonging to a relay pod.
	LabelPod  = "relayctl.pod"
	LabelSite = "relayctl.site"
	LabelKind = "relayctl.kind"
	LabelRole = "relayctl.role"

	RoleRelay = "relay"
	RoleSNMPD = "snmpd"
	// RoleRegister runs once before the others start and registers the
	// relay with the site under its alias.
	RoleRegister = "register"
)

// PodName derives the deterministic pod name for a site and topology.
// Format: relay-{snmp|host}-pod-{site}
func PodName(site string, kind Kind) string {
	return fmt.Sprintf("relay-%s-pod-%s", kind.Short(), site)
}

// ContainerName names the container playing role inside pod.
func ContainerName(pod, role string) string {
	return pod + "-" + role
}

// PrivateNetworkName names the pod-owned network of an isolated topology.
func PrivateNetworkName(site string, kind Kind) string {
	return fmt.Sprintf("relay-%s-net-%s", kind.Short(), site)
}

// PodLabels returns the labels shared by all resources of a pod.
func PodLabels(ref PodRef) map[string]string {
	return map[string]string{
		LabelPod:  ref.Name(),
		LabelSite: ref.Site,
		LabelKind: ref.Kind.String(),
	}
}

// StartRank orders roles for start: the register container first, the relay
// last and everything it depends on in between.
func StartRank(role string) int {
	switch role {
	case RoleRegister:
		return 0
	case RoleRelay:
		return 2
	default:
		return 1
	}
}
