package offlinecache

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// ClientIDHeader identifies a client session. Without it the remote host is used.
const ClientIDHeader = "X-Client-Id"

type client struct {
	controller *Generation
	lastSeen   time.Time
}

// Clients keeps track of open client sessions and the generation controlling each.
// A session counts as open until it has been idle for longer than idle.
type Clients struct {
	m       sync.Mutex
	clients map[string]*client
	idle    time.Duration
	now     func() time.Time
}

func newClients(idle time.Duration) *Clients {
	return &Clients{
		clients: make(map[string]*client),
		idle:    idle,
		now:     time.Now,
	}
}

func clientID(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Controller returns the generation controlling the client of r, or nil.
// A client seen for the first time is controlled by active, which may be nil.
func (c *Clients) Controller(r *http.Request, active *Generation) *Generation {
	id := clientID(r)
	now := c.now()

	c.m.Lock()
	defer c.m.Unlock()
	cl, ok := c.clients[id]
	if !ok || now.Sub(cl.lastSeen) > c.idle {
		cl = &client{controller: active}
		c.clients[id] = cl
	}
	cl.lastSeen = now
	return cl.controller
}

// Claim makes gen the controller of every open client.
func (c *Clients) Claim(gen *Generation) int {
	now := c.now()
	c.m.Lock()
	defer c.m.Unlock()
	claimed := 0
	for id, cl := range c.clients {
		if now.Sub(cl.lastSeen) > c.idle {
			delete(c.clients, id)
			continue
		}
		cl.controller = gen
		claimed++
	}
	return claimed
}

// OpenControlledBy returns the number of open clients controlled by gen.
func (c *Clients) OpenControlledBy(gen *Generation) int {
	if gen == nil {
		return 0
	}
	now := c.now()
	c.m.Lock()
	defer c.m.Unlock()
	n := 0
	for id, cl := range c.clients {
		if now.Sub(cl.lastSeen) > c.idle {
			delete(c.clients, id)
			continue
		}
		if cl.controller == gen {
			n++
		}
	}
	return n
}

// sweep forgets clients idle for longer than the idle window and returns how many.
func (c *Clients) sweep() int {
	now := c.now()
	c.m.Lock()
	defer c.m.Unlock()
	n := 0
	for id, cl := range c.clients {
		if now.Sub(cl.lastSeen) > c.idle {
			delete(c.clients, id)
			n++
		}
	}
	return n
}

// Len returns the number of clients being tracked, idle or not.
func (c *Clients) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.clients)
}
