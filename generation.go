package offlinecache

import (
	"fmt"
	"sync"

	"github.com/always-cache/offline-cache/cache"
)

type State string

const (
	StateInstalling State = "installing"
	// Installed and waiting for the previous generation to let go.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Generation is one version of the cache: its collections, its manifest and
// where it is in its lifecycle.
type Generation struct {
	Name     string
	Version  string
	Manifest []string

	m           sync.Mutex
	state       State
	skipWaiting bool
	static      cache.Collection
	dynamic     cache.Collection
}

func NewGeneration(name, version string, manifest []string) *Generation {
	return &Generation{
		Name:     name,
		Version:  version,
		Manifest: append([]string(nil), manifest...),
	}
}

func (g *Generation) StaticName() string {
	return fmt.Sprintf("%s-static-%s", g.Name, g.Version)
}

func (g *Generation) DynamicName() string {
	return fmt.Sprintf("%s-dynamic-%s", g.Name, g.Version)
}

// VersionTag identifies the generation towards clients, e.g. "legalmatch-v1.0.0".
func (g *Generation) VersionTag() string {
	return fmt.Sprintf("%s-%s", g.Name, g.Version)
}

func (g *Generation) State() State {
	g.m.Lock()
	defer g.m.Unlock()
	return g.state
}

func (g *Generation) setState(s State) State {
	g.m.Lock()
	defer g.m.Unlock()
	prev := g.state
	g.state = s
	return prev
}

func (g *Generation) collections() (static, dynamic cache.Collection) {
	g.m.Lock()
	defer g.m.Unlock()
	return g.static, g.dynamic
}
