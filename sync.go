package offlinecache

import (
	"context"

	"github.com/rs/zerolog"
)

// SyncTag is the tag of background sync events handled by the sync hook.
const SyncTag = "background-sync"

// SyncHook runs when connectivity is restored, e.g. to replay queued offline actions.
type SyncHook func(ctx context.Context) error

// BackgroundSync runs the sync hook for SyncTag events. Hook errors are
// logged and never fail the event.
type BackgroundSync struct {
	hook SyncHook
	log  zerolog.Logger
}

func newBackgroundSync(hook SyncHook, logger zerolog.Logger) *BackgroundSync {
	return &BackgroundSync{hook: hook, log: logger}
}

func (s *BackgroundSync) Sync(ctx context.Context, tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Background sync hook panicked")
			err = nil
		}
	}()
	if tag != SyncTag {
		s.log.Debug().Str("tag", tag).Msg("Ignoring sync event")
		return nil
	}
	s.log.Info().Msg("Background sync triggered")
	if s.hook == nil {
		return nil
	}
	if err := s.hook(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Background sync hook failed")
	}
	return nil
}
