package chattest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/4xmen/chatline/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub tracks connected peers by user and by joined conversation room.
type Hub struct {
	peers     map[string]map[*peer]struct{}
	rooms     map[string]map[*peer]struct{}
	broadcast chan delivery
	stop      chan struct{}
	mu        sync.RWMutex
}

type peer struct {
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
}

// delivery fans one frame out to a room or to a set of users. except is
// skipped when set.
type delivery struct {
	room   string
	users  []string
	except *peer
	frame  []byte
}

func newHub() *Hub {
	return &Hub{
		peers:     make(map[string]map[*peer]struct{}),
		rooms:     make(map[string]map[*peer]struct{}),
		broadcast: make(chan delivery, 256),
		stop:      make(chan struct{}),
	}
}

func (h *Hub) run() {
	for {
		select {
		case d := <-h.broadcast:
			h.deliver(d)

		case <-h.stop:
			return
		}
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*peer]struct{})
	if d.room != "" {
		for p := range h.rooms[d.room] {
			targets[p] = struct{}{}
		}
	}
	for _, userID := range d.users {
		for p := range h.peers[userID] {
			targets[p] = struct{}{}
		}
	}
	for p := range targets {
		if p == d.except {
			continue
		}
		select {
		case p.send <- d.frame:
		default:
		}
	}
}

func (h *Hub) add(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[p.userID] == nil {
		h.peers[p.userID] = make(map[*peer]struct{})
	}
	h.peers[p.userID][p] = struct{}{}
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p.userID][p]; ok {
		delete(h.peers[p.userID], p)
		for _, members := range h.rooms {
			delete(members, p)
		}
		close(p.send)
	}
}

// sendTo queues frame for p unless p has already gone away.
func (h *Hub) sendTo(p *peer, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.peers[p.userID][p]; !ok {
		return
	}
	select {
	case p.send <- frame:
	default:
	}
}

func (h *Hub) join(p *peer, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*peer]struct{})
	}
	h.rooms[room][p] = struct{}{}
}

// Online reports whether userID has at least one open connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[userID]) > 0
}

func (h *Hub) dropAll() {
	h.mu.RLock()
	var conns []*websocket.Conn
	for _, ps := range h.peers {
		for p := range ps {
			conns = append(conns, p.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func pushFrame(event string, data any) []byte {
	raw, _ := json.Marshal(data)
	frame, _ := json.Marshal(models.Frame{Event: event, Data: raw})
	return frame
}

func ackFrame(id uint64, payload any) []byte {
	raw, _ := json.Marshal(payload)
	frame, _ := json.Marshal(models.Frame{Event: models.EventAck, ID: id, Data: raw})
	return frame
}

func (p *peer) readPump(handle func(*peer, models.Frame)) {
	defer func() {
		p.hub.remove(p)
		p.conn.Close()
	}()

	p.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			break
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		handle(p, frame)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := p.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
