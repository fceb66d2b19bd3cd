package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/daveTechLed/sqlstress/config"
	log "github.com/sirupsen/logrus"
)

const defaultBuffer = 256

// Subscriber is one observer. Messages are read from C until it is closed by
// Unsubscribe or by closing the hub.
type Subscriber struct {
	Name string
	C    <-chan Message

	ch      chan Message
	dropped atomic.Int64
}

func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Hub delivers every published message to every subscriber without ever
// blocking the publisher. A subscriber whose buffer is full loses its oldest
// queued message.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	buffer      int
	closed      bool

	heartbeat time.Duration
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewHub starts a hub. A positive heartbeat publishes a connected heartbeat
// on that interval until Close.
func NewHub(buffer int, heartbeat time.Duration) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	h := &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		buffer:      buffer,
		heartbeat:   heartbeat,
		stop:        make(chan struct{}),
	}
	if heartbeat > 0 {
		h.wg.Add(1)
		go h.heartbeatLoop()
	}
	return h
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.Publish(NewHeartbeat(StatusConnected))
		}
	}
}

// Subscribe registers an observer. The first message it receives is a
// connected heartbeat. A closed hub returns a subscriber whose channel is
// already closed.
func (h *Hub) Subscribe(name string) *Subscriber {
	ch := make(chan Message, h.buffer)
	s := &Subscriber{Name: name, C: ch, ch: ch}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	ch <- NewHeartbeat(StatusConnected)
	h.subscribers[s] = struct{}{}
	config.SubscribersGauge.Inc()
	log.Infof("push subscriber %s added. %d registered subscribers", name, len(h.subscribers))
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[s]; !ok {
		return
	}
	delete(h.subscribers, s)
	close(s.ch)
	config.SubscribersGauge.Dec()
	log.Infof("push subscriber %s removed. %d registered subscribers", s.Name, len(h.subscribers))
}

// Publish hands m to every subscriber. It never blocks.
func (h *Hub) Publish(m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subscribers {
		h.deliver(s, m)
	}
}

func (h *Hub) deliver(s *Subscriber, m Message) {
	for {
		select {
		case s.ch <- m:
			return
		default:
		}
		// full: drop the oldest queued message and try again. The reader may
		// have emptied the buffer meanwhile, in which case nothing is dropped.
		select {
		case <-s.ch:
			s.dropped.Add(1)
			config.DroppedMessagesCounter.Inc()
			log.Warnf("push subscriber %s is too slow, dropped oldest message", s.Name)
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close sends a final disconnected heartbeat and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.stop)
	final := NewHeartbeat(StatusDisconnected)
	for s := range h.subscribers {
		h.deliver(s, final)
		close(s.ch)
		delete(h.subscribers, s)
		config.SubscribersGauge.Dec()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
