package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceStopTwice(t *testing.T) {
	exitErr := errors.New("listener closed")
	ss := &serverService{
		stop: make(chan struct{}),
		done: make(chan error, 1),
	}
	go func() {
		<-ss.stop
		ss.done <- exitErr
	}()

	assert.NotPanics(t, func() {
		assert.Equal(t, exitErr, ss.Stop(nil))
		assert.Equal(t, exitErr, ss.Stop(nil))
	})
}

func TestServiceStopBeforeStart(t *testing.T) {
	ss := &serverService{}
	assert.NotPanics(t, func() {
		assert.NoError(t, ss.Stop(nil))
	})
}
