// Package observer streams engine events to websocket clients.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"realtime.ai/internal/profile"
	"realtime.ai/internal/protocol"
)

const clientQueue = 256

type Hub struct {
	log *log.Logger
	now func() time.Time

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	seq      atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id  string
	out chan []byte
	// nil means every kind.
	kinds map[string]bool
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Hub{
		log: logger,
		now: time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		clients: map[string]*client{},
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts events discarded because a client fell behind.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Publish fans one event out to every subscribed client. It never blocks; a slow
// client loses its oldest queued event.
func (h *Hub) Publish(kind string, payload any) {
	ev := protocol.Event{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Seq:             h.seq.Add(1),
		Kind:            kind,
		At:              h.now().UTC(),
		Payload:         payload,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Printf("encode %s event: %v", kind, err)
		return
	}
	for _, c := range h.clients {
		if c.kinds != nil && !c.kinds[kind] {
			continue
		}
		if !sendLatest(c.out, b) {
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) RecordChange(c profile.Change) {
	h.Publish(protocol.KindProfileChanged, c)
}

// sendLatest reports false when an older message had to be dropped.
func sendLatest(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
	return false
}

func kindSet(kinds []string) (map[string]bool, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	out := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		k = strings.ToUpper(strings.TrimSpace(k))
		if !protocol.IsKnownKind(k) {
			return nil, fmt.Errorf("unknown event kind %q", k)
		}
		out[k] = true
	}
	return out, nil
}

func readSubscribe(msg []byte) (protocol.SubscribeMsg, map[string]bool, error) {
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, nil, fmt.Errorf("bad subscribe")
	}
	if sub.Type != protocol.TypeSubscribe || sub.ProtocolVersion != protocol.Version {
		return sub, nil, fmt.Errorf("expected SUBSCRIBE")
	}
	kinds, err := kindSet(sub.Kinds)
	return sub, kinds, err
}

func subscribedKinds(kinds map[string]bool) []string {
	out := make([]string, 0, len(protocol.Kinds))
	for _, k := range protocol.Kinds {
		if kinds == nil || kinds[k] {
			out = append(out, k)
		}
	}
	return out
}

func (h *Hub) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_, kinds, err := readSubscribe(msg)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(time.Second))
			return
		}

		c := &client{
			id:    fmt.Sprintf("O%d", h.nextID.Add(1)),
			out:   make(chan []byte, clientQueue),
			kinds: kinds,
		}
		h.mu.Lock()
		h.clients[c.id] = c
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.clients, c.id)
			h.mu.Unlock()
		}()

		ack, _ := json.Marshal(protocol.SubscribedMsg{
			Type:            protocol.TypeSubscribed,
			ProtocolVersion: protocol.Version,
			SessionID:       c.id,
			Kinds:           subscribedKinds(kinds),
		})
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			_, kinds, err := readSubscribe(msg)
			if err != nil {
				e, _ := json.Marshal(protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
				sendLatest(c.out, e)
				continue
			}
			h.mu.Lock()
			c.kinds = kinds
			h.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
