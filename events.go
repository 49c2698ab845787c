package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/always-cache/offline-cache/pkg/lifetime"

	"github.com/rs/zerolog"
)

var ErrUnknownEvent = errors.New("unknown event")

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventMessage           EventKind = "message"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventSync              EventKind = "sync"
)

// Event is the input of an event handler. Only the fields of its kind are set.
type Event struct {
	Kind EventKind
	// install
	Generation *Generation
	// message
	Message *Message
	// push
	Payload []byte
	// notificationclick
	NotificationID string
	Action         string
	// sync
	Tag string
}

// Handler handles one event. The context outlives the dispatching caller.
type Handler func(ctx context.Context, e Event) error

// Registry maps event kinds to handlers. Every dispatched event runs as a
// tracked task, so shutdown waits for it to settle.
type Registry struct {
	m        sync.RWMutex
	handlers map[EventKind]Handler
	tracker  *lifetime.Tracker
	log      zerolog.Logger
}

func newRegistry(tracker *lifetime.Tracker, logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[EventKind]Handler),
		tracker:  tracker,
		log:      logger,
	}
}

// On sets the handler of kind, replacing any previous one.
func (r *Registry) On(kind EventKind, h Handler) {
	r.m.Lock()
	defer r.m.Unlock()
	r.handlers[kind] = h
}

// Dispatch runs the handler of e.Kind and returns its settle token.
// A handler panic settles the token with an error.
func (r *Registry) Dispatch(ctx context.Context, e Event) *lifetime.Pending {
	if err := ctx.Err(); err != nil {
		return lifetime.Resolved(err)
	}
	r.m.RLock()
	h, ok := r.handlers[e.Kind]
	r.m.RUnlock()
	if !ok {
		r.log.Debug().Str("event", string(e.Kind)).Msg("No handler for event")
		return lifetime.Resolved(fmt.Errorf("%w: %s", ErrUnknownEvent, e.Kind))
	}
	r.log.Trace().Str("event", string(e.Kind)).Msg("Dispatching event")
	return r.tracker.Go(string(e.Kind), func(ctx context.Context) error {
		return h(ctx, e)
	})
}

func (o *OfflineCache) registerDefaultHandlers() {
	o.events.On(EventInstall, func(ctx context.Context, e Event) error {
		if e.Generation == nil {
			return nil
		}
		return o.lifecycle.Install(ctx, e.Generation)
	})
	o.events.On(EventActivate, func(ctx context.Context, e Event) error {
		return o.lifecycle.Activate(ctx)
	})
	o.events.On(EventMessage, func(ctx context.Context, e Event) error {
		return o.control.Handle(ctx, e.Message)
	})
	o.events.On(EventPush, func(ctx context.Context, e Event) error {
		return o.notifications.Push(ctx, e.Payload)
	})
	o.events.On(EventNotificationClick, func(ctx context.Context, e Event) error {
		return o.notifications.Click(ctx, e.NotificationID, e.Action)
	})
	o.events.On(EventSync, func(ctx context.Context, e Event) error {
		return o.sync.Sync(ctx, e.Tag)
	})
}
