package offlinecache

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

type MessageType string

const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageGetVersion  MessageType = "GET_VERSION"
)

// Message is a control message from a client application.
// Replies, if any, are sent on Reply.
type Message struct {
	Type  MessageType  `json:"type"`
	Reply chan<- Reply `json:"-"`
}

type Reply struct {
	Version string `json:"version"`
}

// ControlChannel handles control messages. Unknown messages are ignored.
type ControlChannel struct {
	lifecycle *Lifecycle
	log       zerolog.Logger
}

func (c *ControlChannel) Handle(ctx context.Context, msg *Message) error {
	if msg == nil {
		return nil
	}
	switch msg.Type {
	case MessageSkipWaiting:
		err := c.lifecycle.SkipWaiting(ctx)
		if errors.Is(err, ErrNoWaitingGeneration) {
			c.log.Debug().Msg("Skip waiting without a waiting generation")
			return nil
		}
		return err
	case MessageGetVersion:
		reply := Reply{}
		if active := c.lifecycle.Active(); active != nil {
			reply.Version = active.VersionTag()
		}
		select {
		case msg.Reply <- reply:
		default:
			c.log.Debug().Msg("Version reply dropped, nobody listening")
		}
	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message")
	}
	return nil
}
