package main

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDelay = 2 * time.Second

// watchConfig calls reload when the file changes, debounced by reloadDelay.
// Editors that replace the file are handled by watching it again.
// It returns when ctx is done.
func watchConfig(ctx context.Context, file string, reload func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error().Err(err).Msg("Failed to create config watcher")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(file); err != nil {
		log.Warn().Err(err).Str("file", file).Msg("Failed to watch config file")
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(reloadDelay)
	}

	needReWatch := false
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case e, ok := <-watcher.Events:
			if !ok {
				timer.Stop()
				return
			}
			log.Trace().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config event")
			if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
				continue
			}
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			resetTimer()
		case <-timer.C:
			if needReWatch {
				needReWatch = false
				_ = watcher.Remove(file)
				if err := watcher.Add(file); err != nil {
					log.Warn().Err(err).Str("file", file).Msg("Failed to re-watch config file")
				}
			}
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}
