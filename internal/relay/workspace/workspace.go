// Package workspace manages the per-pod working directories holding the
// rendered manifest and RelayConfig files:
//
//	<root>/<site>/<snmp|host>/manifests/<kind>-compose.yaml
//	<root>/<site>/<snmp|host>/config/{relay.yaml,hosts.yaml,...}
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"relayctl/internal/relay"
)

const (
	DefaultRoot = "/tmp/cmk-dev-relay"
	StateFile   = "state.db"

	manifestsDir = "manifests"
	configDir    = "config"
)

type Workspace struct {
	root string
}

func New(root string) *Workspace {
	if strings.TrimSpace(root) == "" {
		root = DefaultRoot
	}
	return &Workspace{root: filepath.Clean(root)}
}

func (w *Workspace) Root() string { return w.root }

// StatePath is the location of the deployment record database.
func (w *Workspace) StatePath() string {
	return filepath.Join(w.root, StateFile)
}

func (w *Workspace) SiteDir(site string) string {
	return filepath.Join(w.root, site)
}

func (w *Workspace) PodDir(ref relay.PodRef) string {
	return filepath.Join(w.SiteDir(ref.Site), ref.Kind.Short())
}

func (w *Workspace) ConfigDir(ref relay.PodRef) string {
	return filepath.Join(w.PodDir(ref), configDir)
}

func (w *Workspace) ManifestDir(ref relay.PodRef) string {
	return filepath.Join(w.PodDir(ref), manifestsDir)
}

// Write replaces the pod directory with the given manifest and config files.
func (w *Workspace) Write(ref relay.PodRef, manifestName string, manifest []byte, cfg relay.RelayConfig) error {
	if err := os.RemoveAll(w.PodDir(ref)); err != nil {
		return fmt.Errorf("clear workspace %s: %w", w.PodDir(ref), err)
	}
	for _, dir := range []string{w.ConfigDir(ref), w.ManifestDir(ref)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}

	for _, f := range cfg.Files {
		if f.Name == "" || filepath.Base(f.Name) != f.Name {
			return fmt.Errorf("invalid config file name %q", f.Name)
		}
		path := filepath.Join(w.ConfigDir(ref), f.Name)
		if err := atomicwriter.WriteFile(path, f.Content, 0o644); err != nil {
			return fmt.Errorf("write config file %s: %w", path, err)
		}
	}
	if manifestName != "" {
		path := filepath.Join(w.ManifestDir(ref), manifestName)
		if err := atomicwriter.WriteFile(path, manifest, 0o644); err != nil {
			return fmt.Errorf("write manifest %s: %w", path, err)
		}
	}
	return nil
}

// Remove deletes the pod directory, and the site directory once it holds
// no other pod. Removing a missing workspace is not an error.
func (w *Workspace) Remove(ref relay.PodRef) error {
	if err := os.RemoveAll(w.PodDir(ref)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.PodDir(ref), err)
	}
	siteDir := w.SiteDir(ref.Site)
	entries, err := os.ReadDir(siteDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read site dir %s: %w", siteDir, err)
	}
	if len(entries) == 0 {
		if err := os.Remove(siteDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove site dir %s: %w", siteDir, err)
		}
	}
	return nil
}

// Exists reports whether the pod directory is present.
func (w *Workspace) Exists(ref relay.PodRef) bool {
	info, err := os.Stat(w.PodDir(ref))
	return err == nil && info.IsDir()
}
