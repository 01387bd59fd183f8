package topology

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"text/template"

	"gopkg.in/yaml.v3"

	"relayctl/internal/relay"
)

// RelayConfig file names, relative to the pod's config directory.
const (
	RelayFile  = "relay.yaml"
	HostsFile  = "hosts.yaml"
	SNMPDFile  = "snmpd.conf"
	Community  = "public"
	agentProto = "agent"
	snmpProto  = "snmp"
)

type relayFile struct {
	Alias    string `yaml:"alias"`
	Site     string `yaml:"site"`
	SiteURL  string `yaml:"site_url"`
	APIURL   string `yaml:"api_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Version  string `yaml:"version"`
}

type hostsFile struct {
	Hosts []hostEntry `yaml:"hosts"`
}

type hostEntry struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	Protocol  string `yaml:"protocol"`
	Community string `yaml:"community,omitempty"`
}

var snmpdTemplate = template.Must(template.New(SNMPDFile).Parse(`agentAddress udp:161
rocommunity {{ .Community }} default
sysName {{ .Host }}
sysLocation isolated relay network of site {{ .Site }}
sysContact relayctl
`))

// renderConfig renders the RelayConfig files for a pod. The output depends
// only on its arguments.
func renderConfig(kind relay.Kind, site relay.Site, siteURL string, targets []string) (relay.RelayConfig, error) {
	rf := relayFile{
		Alias:    kind.Alias(),
		Site:     site.Name,
		SiteURL:  siteURL,
		APIURL:   relay.Site{Name: site.Name, URL: siteURL}.APIURL(),
		Username: site.Username,
		Password: site.Password,
		Version:  site.Version,
	}
	relayData, err := yaml.Marshal(rf)
	if err != nil {
		return relay.RelayConfig{}, fmt.Errorf("marshal %s: %w", RelayFile, err)
	}

	hf := hostsFile{Hosts: make([]hostEntry, 0, len(targets))}
	for _, t := range targets {
		e := hostEntry{Name: t, Address: t, Protocol: agentProto}
		if kind == relay.KindIsolatedSNMP {
			e.Protocol = snmpProto
			e.Community = Community
		}
		hf.Hosts = append(hf.Hosts, e)
	}
	hostsData, err := yaml.Marshal(hf)
	if err != nil {
		return relay.RelayConfig{}, fmt.Errorf("marshal %s: %w", HostsFile, err)
	}

	files := []relay.ConfigFile{
		{Name: RelayFile, Content: relayData},
		{Name: HostsFile, Content: hostsData},
	}

	if kind == relay.KindIsolatedSNMP {
		var buf bytes.Buffer
		err := snmpdTemplate.Execute(&buf, map[string]string{
			"Community": Community,
			"Host":      SNMPHost,
			"Site":      site.Name,
		})
		if err != nil {
			return relay.RelayConfig{}, fmt.Errorf("render %s: %w", SNMPDFile, err)
		}
		files = append(files, relay.ConfigFile{Name: SNMPDFile, Content: buf.Bytes()})
	}
	return relay.RelayConfig{Files: files}, nil
}

// gatewayURL rewrites loopback hosts in raw to the docker host gateway so a
// relay on a bridge network can reach a site bound to the host.
func gatewayURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse site url %q: %w", raw, err)
	}
	host := u.Hostname()
	loopback := host == "localhost"
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		loopback = true
	}
	if !loopback {
		return raw, nil
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(GatewayHost, port)
	} else {
		u.Host = GatewayHost
	}
	return u.String(), nil
}
