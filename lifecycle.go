package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInstallFailed is returned when a manifest asset could not be stored.
	ErrInstallFailed = errors.New("install failed")
	// ErrNoWaitingGeneration is returned when there is nothing to activate.
	ErrNoWaitingGeneration = errors.New("no waiting generation")
)

// Lifecycle installs and activates generations.
// At most one generation is active; installs run one at a time.
type Lifecycle struct {
	store   cache.Store
	keyer   cachekey.CacheKeyer
	clients *Clients
	fetch   func(ctx context.Context, rawURL string) (serializer.Snapshot, error)
	log     zerolog.Logger
	metrics *metrics

	skipWaiting bool
	retain      []string

	installMutex sync.Mutex

	m          sync.Mutex
	active     *Generation
	waiting    *Generation
	activating *Generation
	installing *Generation
}

// Active returns the active generation, or nil before the first activation.
func (l *Lifecycle) Active() *Generation {
	l.m.Lock()
	defer l.m.Unlock()
	return l.active
}

func (l *Lifecycle) transition(gen *Generation, to State) {
	from := gen.setState(to)
	l.metrics.setState(gen.VersionTag(), from, to)
	l.log.Info().
		Str("generation", gen.VersionTag()).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Generation state changed")
}

func (l *Lifecycle) known(gen *Generation) bool {
	for _, g := range []*Generation{l.active, l.waiting, l.activating} {
		if g != nil && g.VersionTag() == gen.VersionTag() {
			return true
		}
	}
	return false
}

// Install stores every manifest asset in the static collection of gen.
// If any asset cannot be fetched, nothing is stored and gen becomes redundant;
// the active generation stays in control.
// On success gen waits, and is activated right away if nothing holds it back.
// Installing a generation that is already known is a no-op.
func (l *Lifecycle) Install(ctx context.Context, gen *Generation) error {
	l.installMutex.Lock()
	defer l.installMutex.Unlock()

	l.m.Lock()
	if l.known(gen) {
		l.m.Unlock()
		l.log.Debug().Str("generation", gen.VersionTag()).Msg("Generation already installed")
		return nil
	}
	l.installing = gen
	l.m.Unlock()
	l.transition(gen, StateInstalling)

	err := l.install(ctx, gen)

	l.m.Lock()
	l.installing = nil
	if err != nil {
		active := l.active
		l.m.Unlock()
		l.transition(gen, StateRedundant)
		l.metrics.installs.WithLabelValues("failed").Inc()
		if active == nil || active.StaticName() != gen.StaticName() {
			if _, derr := l.store.Delete(context.WithoutCancel(ctx), gen.StaticName()); derr != nil {
				l.log.Warn().Err(derr).Str("collection", gen.StaticName()).Msg("Could not delete collection of failed install")
			}
		}
		l.log.Error().Err(err).Str("generation", gen.VersionTag()).Msg("Install failed")
		return err
	}
	prevWaiting := l.waiting
	l.waiting = gen
	l.m.Unlock()

	l.metrics.installs.WithLabelValues("ok").Inc()
	l.transition(gen, StateInstalled)
	if prevWaiting != nil {
		l.transition(prevWaiting, StateRedundant)
	}
	return l.CheckWaiting(ctx)
}

func (l *Lifecycle) install(ctx context.Context, gen *Generation) error {
	static, err := l.store.Open(ctx, gen.StaticName())
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrInstallFailed, gen.StaticName(), err)
	}

	entries := make([]cache.Entry, len(gen.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range gen.Manifest {
		i, u := i, u
		g.Go(func() error {
			key, err := l.keyer.KeyForURL(u)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInstallFailed, u, err)
			}
			snap, err := l.fetch(gctx, u)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInstallFailed, u, err)
			}
			if !snap.Ok() {
				return fmt.Errorf("%w: %s: status %d", ErrInstallFailed, u, snap.StatusCode)
			}
			bts, err := serializer.SnapshotToBytes(snap)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInstallFailed, u, err)
			}
			entries[i] = cache.Entry{Key: key, StoredAt: snap.StoredAt, Bytes: bts}
			l.log.Trace().Str("url", u).Msg("Fetched manifest asset")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := static.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("%w: store %s: %w", ErrInstallFailed, gen.StaticName(), err)
	}

	gen.m.Lock()
	gen.static = static
	gen.m.Unlock()
	l.log.Info().Str("generation", gen.VersionTag()).Int("assets", len(entries)).Msg("Static assets cached")
	return nil
}

// SkipWaiting activates the waiting generation without waiting for clients to close.
// A generation that is still installing is activated as soon as its install succeeds.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	l.m.Lock()
	if l.waiting == nil {
		installing := l.installing
		l.m.Unlock()
		if installing == nil {
			return ErrNoWaitingGeneration
		}
		installing.m.Lock()
		installing.skipWaiting = true
		installing.m.Unlock()
		return nil
	}
	l.waiting.m.Lock()
	l.waiting.skipWaiting = true
	l.waiting.m.Unlock()
	l.m.Unlock()
	return l.CheckWaiting(ctx)
}

// CheckWaiting activates the waiting generation if skip waiting is set,
// or if no open client is controlled by the active generation.
func (l *Lifecycle) CheckWaiting(ctx context.Context) error {
	l.m.Lock()
	gen, active := l.waiting, l.active
	l.m.Unlock()
	if gen == nil {
		return nil
	}
	gen.m.Lock()
	skip := gen.skipWaiting
	gen.m.Unlock()

	if !l.skipWaiting && !skip && active != nil {
		if open := l.clients.OpenControlledBy(active); open > 0 {
			l.log.Debug().
				Str("generation", gen.VersionTag()).
				Int("clients", open).
				Msg("Waiting for clients of the active generation")
			return nil
		}
	}
	if err := l.Activate(ctx); err != nil && !errors.Is(err, ErrNoWaitingGeneration) {
		return err
	}
	return nil
}

// Activate makes the waiting generation active: stale collections are deleted,
// the dynamic collection is opened and every open client is claimed.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.m.Lock()
	gen := l.waiting
	if gen == nil {
		l.m.Unlock()
		return ErrNoWaitingGeneration
	}
	l.waiting = nil
	l.activating = gen
	l.m.Unlock()
	l.transition(gen, StateActivating)

	if err := l.activate(ctx, gen); err != nil {
		l.m.Lock()
		l.activating = nil
		requeue := l.waiting == nil
		if requeue {
			l.waiting = gen
		}
		l.m.Unlock()
		if requeue {
			l.transition(gen, StateInstalled)
		} else {
			l.transition(gen, StateRedundant)
		}
		return fmt.Errorf("activate %s: %w", gen.VersionTag(), err)
	}

	l.m.Lock()
	prev := l.active
	l.active = gen
	l.activating = nil
	l.m.Unlock()

	l.transition(gen, StateActivated)
	if prev != nil {
		l.transition(prev, StateRedundant)
	}
	claimed := l.clients.Claim(gen)
	l.metrics.activations.Inc()
	l.log.Info().Str("generation", gen.VersionTag()).Int("clients", claimed).Msg("Generation activated")
	return nil
}

func (l *Lifecycle) activate(ctx context.Context, gen *Generation) error {
	keep := map[string]bool{
		gen.StaticName():  true,
		gen.DynamicName(): true,
	}
	// a generation installed in the meantime keeps its collections
	l.m.Lock()
	for _, g := range []*Generation{l.installing, l.waiting} {
		if g != nil {
			keep[g.StaticName()] = true
		}
	}
	l.m.Unlock()

	names, err := l.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, name := range names {
		if keep[name] || l.retained(name) {
			continue
		}
		if _, err := l.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		l.log.Info().Str("collection", name).Msg("Deleted stale collection")
	}

	dynamic, err := l.store.Open(ctx, gen.DynamicName())
	if err != nil {
		return fmt.Errorf("open %s: %w", gen.DynamicName(), err)
	}
	gen.m.Lock()
	gen.dynamic = dynamic
	gen.m.Unlock()
	return nil
}

func (l *Lifecycle) retained(name string) bool {
	for _, pattern := range l.retain {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

type GenerationInfo struct {
	Version     string   `json:"version"`
	Tag         string   `json:"tag"`
	State       State    `json:"state"`
	StaticName  string   `json:"static"`
	DynamicName string   `json:"dynamic"`
	Manifest    []string `json:"manifest"`
}

type LifecycleState struct {
	Active     *GenerationInfo `json:"active,omitempty"`
	Waiting    *GenerationInfo `json:"waiting,omitempty"`
	Activating *GenerationInfo `json:"activating,omitempty"`
	Installing *GenerationInfo `json:"installing,omitempty"`
}

func info(g *Generation) *GenerationInfo {
	if g == nil {
		return nil
	}
	return &GenerationInfo{
		Version:     g.Version,
		Tag:         g.VersionTag(),
		State:       g.State(),
		StaticName:  g.StaticName(),
		DynamicName: g.DynamicName(),
		Manifest:    g.Manifest,
	}
}

// State returns a description of the known generations.
func (l *Lifecycle) State() LifecycleState {
	l.m.Lock()
	defer l.m.Unlock()
	return LifecycleState{
		Active:     info(l.active),
		Waiting:    info(l.waiting),
		Activating: info(l.activating),
		Installing: info(l.installing),
	}
}
