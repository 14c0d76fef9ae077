package transport

import (
	"sort"
	"sync"
	"time"
)

// A websocket client silent for this long is reported idle. Its sessions are
// evicted by the session watchdog, not here.
const idleAfter = 5 * time.Minute

// ClientRegistry tracks open websocket connections so Stop can close them and
// operators can list them.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers a connection under its id.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
}

// Remove marks a connection disconnected and forgets it. Unknown ids are ignored.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	if c, ok := r.clients[clientID]; ok {
		c.State = StateDisconnected
		delete(r.clients, clientID)
	}
	r.mu.Unlock()
}

// Update runs fn on a registered connection under the registry lock, so fields
// read by Snapshot are never written concurrently. It reports whether clientID
// was registered.
func (r *ClientRegistry) Update(clientID string, fn func(*Client)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if ok {
		fn(c)
	}
	return ok
}

// GetAll returns every registered connection in no particular order.
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Touch records traffic on a connection.
func (r *ClientRegistry) Touch(clientID string, at time.Time) {
	r.mu.Lock()
	if c, ok := r.clients[clientID]; ok {
		c.LastActivity = at
	}
	r.mu.Unlock()
}

// Snapshot describes every connected client, oldest first.
func (r *ClientRegistry) Snapshot(now time.Time) []ClientInfo {
	r.mu.RLock()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		info := ClientInfo{
			ID:            c.ID,
			Authenticated: c.Authenticated,
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(c.LastActivity) > idleAfter,
		}
		if c.Codec != nil {
			info.Codec = c.Codec.Name()
		}
		infos = append(infos, info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
