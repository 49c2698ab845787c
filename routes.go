package offlinecache

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxMessageBytes = 64 << 10

// createRouter sets up the control surface under ControlPrefix.
func (o *OfflineCache) createRouter() chi.Router {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", o.handleMessage)
		r.Post("/push", o.handlePush)
		r.Get("/notifications", o.handleNotifications)
		r.Post("/notifications/{id}/click", o.handleNotificationClick)
		r.Post("/sync", o.handleSync)
		r.Get("/caches", o.handleCaches)
		r.Get("/caches/{name}", o.handleCache)
		r.Get("/state", o.handleState)
		r.Handle("/metrics", promhttp.HandlerFor(o.metricsReg, promhttp.HandlerOpts{}))
	})
	return r
}

func (o *OfflineCache) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		o.log.Debug().Err(err).Msg("Could not write JSON response")
	}
}

func readBody(r *http.Request) []byte {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		return nil
	}
	return body
}

// handleMessage accepts {"type": "..."}; GET_VERSION is answered with {"version": "..."}.
// Malformed and unknown messages are accepted and ignored.
func (o *OfflineCache) handleMessage(w http.ResponseWriter, r *http.Request) {
	msg := &Message{}
	if err := json.Unmarshal(readBody(r), msg); err != nil {
		o.log.Debug().Err(err).Msg("Ignoring malformed message")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	reply := make(chan Reply, 1)
	msg.Reply = reply
	if err := o.events.Dispatch(r.Context(), Event{Kind: EventMessage, Message: msg}).Wait(r.Context()); err != nil {
		o.log.Error().Err(err).Str("type", string(msg.Type)).Msg("Message handling failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	select {
	case rep := <-reply:
		o.writeJSON(w, rep)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (o *OfflineCache) handlePush(w http.ResponseWriter, r *http.Request) {
	err := o.events.Dispatch(r.Context(), Event{Kind: EventPush, Payload: readBody(r)}).Wait(r.Context())
	if err != nil {
		o.log.Error().Err(err).Msg("Push handling failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (o *OfflineCache) handleNotifications(w http.ResponseWriter, r *http.Request) {
	list, ok := o.notifications.Notifications()
	if !ok {
		http.Error(w, "notifier cannot list notifications", http.StatusNotImplemented)
		return
	}
	if list == nil {
		list = []Notification{}
	}
	o.writeJSON(w, list)
}

// handleNotificationClick takes the action from the "action" query parameter
// or a {"action": "..."} body.
func (o *OfflineCache) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	if action == "" {
		var body struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(readBody(r), &body) == nil {
			action = body.Action
		}
	}
	e := Event{Kind: EventNotificationClick, NotificationID: chi.URLParam(r, "id"), Action: action}
	if err := o.events.Dispatch(r.Context(), e).Wait(r.Context()); err != nil {
		o.log.Error().Err(err).Msg("Notification click handling failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync takes the tag from the "tag" query parameter or a {"tag": "..."} body.
func (o *OfflineCache) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		var body struct {
			Tag string `json:"tag"`
		}
		if json.Unmarshal(readBody(r), &body) == nil {
			tag = body.Tag
		}
	}
	if err := o.events.Dispatch(r.Context(), Event{Kind: EventSync, Tag: tag}).Wait(r.Context()); err != nil {
		o.log.Error().Err(err).Msg("Sync handling failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (o *OfflineCache) handleCaches(w http.ResponseWriter, r *http.Request) {
	names, err := o.store.Names(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	o.writeJSON(w, names)
}

// handleCache lists the URLs cached in one collection.
func (o *OfflineCache) handleCache(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if ok, err := o.store.Has(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if !ok {
		http.NotFound(w, r)
		return
	}
	c, err := o.store.Open(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	urls := []string{}
	err = c.Keys(r.Context(), func(key string) {
		if req, err := o.keyer.GetRequestFromKey(key); err == nil {
			urls = append(urls, req.URL.String())
		} else {
			urls = append(urls, strings.TrimPrefix(key, http.MethodGet+":"))
		}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	o.writeJSON(w, urls)
}

func (o *OfflineCache) handleState(w http.ResponseWriter, r *http.Request) {
	o.writeJSON(w, o.lifecycle.State())
}
