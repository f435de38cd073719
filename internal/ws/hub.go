package ws

// Subscriber abstracts a streaming client. Send must not block: a
// subscriber that cannot accept the payload returns an error and the hub
// drops it, so one backlogged consumer never stalls delivery to others.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans accepted heartbeats out to stream subscribers, keyed by server
// id. Registration and broadcast are funnelled through one goroutine, so
// the subscriber maps need no locking.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan envelope
}

type envelope struct {
	serverID string
	payload  []byte
}

type subscription struct {
	serverID string
	client   Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan envelope),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			set, ok := h.clients[sub.serverID]
			if !ok {
				set = make(map[Subscriber]struct{})
				h.clients[sub.serverID] = set
			}
			set[sub.client] = struct{}{}
		case sub := <-h.unreg:
			if set, ok := h.clients[sub.serverID]; ok {
				delete(set, sub.client)
				if len(set) == 0 {
					delete(h.clients, sub.serverID)
				}
			}
		case msg := <-h.broadcast:
			set, ok := h.clients[msg.serverID]
			if !ok {
				continue
			}
			for c := range set {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					delete(set, c)
				}
			}
			if len(set) == 0 {
				delete(h.clients, msg.serverID)
			}
		}
	}
}

// Register subscribes a client to one server's heartbeat stream.
func (h *Hub) Register(serverID string, client Subscriber) {
	h.register <- subscription{serverID: serverID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(serverID string, client Subscriber) {
	h.unreg <- subscription{serverID: serverID, client: client}
}

// Broadcast sends a payload to every subscriber of the server's stream.
func (h *Hub) Broadcast(serverID string, payload []byte) {
	h.broadcast <- envelope{serverID: serverID, payload: payload}
}
