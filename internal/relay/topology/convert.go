package topology

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"

	compose "github.com/compose-spec/compose-go/v2/types"

	"relayctl/internal/relay"
)

// containerSpecs converts the services of a loaded manifest into container
// specs in start order: registration first, the relay last.
func containerSpecs(project *compose.Project, ref relay.PodRef) ([]relay.ContainerSpec, error) {
	names := slices.Sorted(maps.Keys(project.Services))
	sort.SliceStable(names, func(i, j int) bool {
		return relay.StartRank(names[i]) < relay.StartRank(names[j])
	})

	out := make([]relay.ContainerSpec, 0, len(names))
	for _, name := range names {
		svc := project.Services[name]
		if svc.ContainerName == "" {
			return nil, fmt.Errorf("service %q has no container name", name)
		}
		spec := relay.ContainerSpec{
			Name:        svc.ContainerName,
			Role:        name,
			Image:       svc.Image,
			Command:     slices.Clone([]string(svc.Command)),
			Env:         environment(svc.Environment),
			Hostname:    svc.Hostname,
			NetworkMode: svc.NetworkMode,
			ExtraHosts:  extraHosts(svc.ExtraHosts),
			Mounts:      mounts(svc.Volumes),
			Ports:       ports(svc.Ports),
			Labels:      relay.PodLabels(ref),
		}
		spec.Labels[relay.LabelRole] = name
		maps.Copy(spec.Labels, svc.Labels)

		if spec.NetworkMode == "" {
			if len(svc.Networks) > 1 {
				return nil, fmt.Errorf("service %q joins %d networks, want at most one", name, len(svc.Networks))
			}
			for key, cfg := range svc.Networks {
				nw, ok := project.Networks[key]
				if !ok {
					return nil, fmt.Errorf("service %q references undefined network %q", name, key)
				}
				spec.Network = nw.Name
				if cfg != nil {
					spec.Aliases = slices.Clone(cfg.Aliases)
				}
			}
		}
		out = append(out, spec)
	}
	return out, nil
}

func environment(env compose.MappingWithEquals) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for _, key := range slices.Sorted(maps.Keys(env)) {
		value := ""
		if p := env[key]; p != nil {
			value = *p
		}
		out = append(out, key+"="+value)
	}
	return out
}

func extraHosts(hosts compose.HostsList) []string {
	if len(hosts) == 0 {
		return nil
	}
	var out []string
	for _, host := range slices.Sorted(maps.Keys(hosts)) {
		for _, ip := range hosts[host] {
			out = append(out, host+":"+ip)
		}
	}
	return out
}

func mounts(volumes []compose.ServiceVolumeConfig) []relay.Mount {
	if len(volumes) == 0 {
		return nil
	}
	out := make([]relay.Mount, 0, len(volumes))
	for _, v := range volumes {
		if strings.TrimSpace(v.Target) == "" {
			continue
		}
		out = append(out, relay.Mount{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
	}
	return out
}

func ports(in []compose.ServicePortConfig) []relay.PortMapping {
	if len(in) == 0 {
		return nil
	}
	out := make([]relay.PortMapping, 0, len(in))
	for _, p := range in {
		protocol := strings.ToLower(strings.TrimSpace(p.Protocol))
		if protocol == "" {
			protocol = "tcp"
		}
		var containerPort uint16
		if p.Target <= uint32(^uint16(0)) {
			containerPort = uint16(p.Target)
		}
		var hostPort uint16
		if n, err := strconv.ParseUint(strings.TrimSpace(p.Published), 10, 16); err == nil {
			hostPort = uint16(n)
		}
		out = append(out, relay.PortMapping{
			HostIP:        strings.TrimSpace(p.HostIP),
			HostPort:      hostPort,
			ContainerPort: containerPort,
			Protocol:      protocol,
		})
	}
	return out
}
