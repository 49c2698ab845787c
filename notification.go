package offlinecache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	notificationIcon = "/static/icons/icon-192x192.png"

	ActionExplore = "explore"
	ActionClose   = "close"
)

type Notification struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

type NotificationData struct {
	DateOfArrival time.Time       `json:"dateOfArrival"`
	PrimaryKey    json.RawMessage `json:"primaryKey,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon"`
}

// Notifier displays notifications to the user.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// Opener opens or focuses an application view.
type Opener interface {
	OpenWindow(ctx context.Context, url string) error
}

// MemoryNotifier keeps shown notifications until they are closed.
type MemoryNotifier struct {
	m     sync.Mutex
	shown []Notification
	log   zerolog.Logger
}

func NewMemoryNotifier(logger zerolog.Logger) *MemoryNotifier {
	return &MemoryNotifier{log: logger}
}

func (n *MemoryNotifier) Show(ctx context.Context, notification Notification) error {
	n.m.Lock()
	defer n.m.Unlock()
	n.shown = append(n.shown, notification)
	n.log.Info().Str("id", notification.ID).Str("title", notification.Title).Msg("Notification shown")
	return nil
}

func (n *MemoryNotifier) Close(ctx context.Context, id string) error {
	n.m.Lock()
	defer n.m.Unlock()
	for i, s := range n.shown {
		if s.ID == id {
			n.shown = append(n.shown[:i], n.shown[i+1:]...)
			return nil
		}
	}
	return nil
}

// List returns the notifications that have not been closed.
func (n *MemoryNotifier) List() []Notification {
	n.m.Lock()
	defer n.m.Unlock()
	return append([]Notification(nil), n.shown...)
}

// LogOpener records the views it is asked to open.
type LogOpener struct {
	m      sync.Mutex
	opened []string
	log    zerolog.Logger
}

func NewLogOpener(logger zerolog.Logger) *LogOpener {
	return &LogOpener{log: logger}
}

func (o *LogOpener) OpenWindow(ctx context.Context, url string) error {
	o.m.Lock()
	defer o.m.Unlock()
	o.opened = append(o.opened, url)
	o.log.Info().Str("url", url).Msg("Opening window")
	return nil
}

func (o *LogOpener) Opened() []string {
	o.m.Lock()
	defer o.m.Unlock()
	return append([]string(nil), o.opened...)
}

type pushPayload struct {
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	PrimaryKey json.RawMessage `json:"primaryKey"`
}

// NotificationBridge turns push payloads into notifications and handles clicks on them.
type NotificationBridge struct {
	notifier     Notifier
	opener       Opener
	rootDocument string
	log          zerolog.Logger
	metrics      *metrics
	seq          atomic.Uint64
}

func newNotificationBridge(notifier Notifier, opener Opener, rootDocument string, logger zerolog.Logger, m *metrics) *NotificationBridge {
	if notifier == nil {
		notifier = NewMemoryNotifier(logger)
	}
	if opener == nil {
		opener = NewLogOpener(logger)
	}
	return &NotificationBridge{
		notifier:     notifier,
		opener:       opener,
		rootDocument: rootDocument,
		log:          logger,
		metrics:      m,
	}
}

// Push shows a notification for the payload {title, body, primaryKey}.
// Empty and malformed payloads, and payloads without a title, are ignored.
func (b *NotificationBridge) Push(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var data pushPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		b.log.Debug().Err(err).Msg("Ignoring malformed push payload")
		return nil
	}
	if data.Title == "" {
		b.log.Debug().Msg("Ignoring push payload without title")
		return nil
	}
	n := Notification{
		ID:      strconv.FormatUint(b.seq.Add(1), 10),
		Title:   data.Title,
		Body:    data.Body,
		Icon:    notificationIcon,
		Badge:   notificationIcon,
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: time.Now(),
			PrimaryKey:    data.PrimaryKey,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "View Details", Icon: notificationIcon},
			{Action: ActionClose, Title: "Close", Icon: notificationIcon},
		},
	}
	if err := b.notifier.Show(ctx, n); err != nil {
		return err
	}
	b.metrics.notifications.Inc()
	return nil
}

// Click closes the notification; the explore action also opens the root document.
func (b *NotificationBridge) Click(ctx context.Context, id, action string) error {
	if err := b.notifier.Close(ctx, id); err != nil {
		return err
	}
	if action == ActionExplore {
		return b.opener.OpenWindow(ctx, b.rootDocument)
	}
	return nil
}

// Notifications returns the shown notifications when the notifier can list them.
func (b *NotificationBridge) Notifications() ([]Notification, bool) {
	if lister, ok := b.notifier.(interface{ List() []Notification }); ok {
		return lister.List(), true
	}
	return nil, false
}
