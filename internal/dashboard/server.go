// Package dashboard serves a live WebSocket feed of the cache: outbox
// counts for the "N pending / N failed" banner, entity change notices and
// sync outcomes.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names what a message's Data describes.
type MessageType string

const (
	// MessageTypeOutboxCounts carries the pending and failed record counts
	MessageTypeOutboxCounts MessageType = "outbox_counts"

	// MessageTypeTasksChanged signals that cached tasks changed; clients re-query
	MessageTypeTasksChanged MessageType = "tasks_changed"

	// MessageTypeLabelsChanged signals that cached labels changed
	MessageTypeLabelsChanged MessageType = "labels_changed"

	// MessageTypeSyncComplete reports the outcome of a sync run
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeReminder announces a task that just became due
	MessageTypeReminder MessageType = "reminder"
)

// Message is the JSON frame written to subscribers.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a message of the given type.
func NewMessage(typ MessageType, data any) (Message, error) {
	msg := Message{Type: typ, Timestamp: time.Now()}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
	}
	msg.Data = raw
	return msg, nil
}

// Config configures the dashboard listener.
type Config struct {
	// Host to bind (default 127.0.0.1)
	Host string

	// Port to listen on; 0 picks a free port
	Port int

	// Welcome returns the messages sent to a client right after it connects
	Welcome func(ctx context.Context) []Message

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig binds to loopback on a free port.
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server fans dashboard messages out to connected WebSocket subscribers.
type Server struct {
	config   *Config
	addr     string
	listener net.Listener
	http     *http.Server

	mu          sync.RWMutex
	subscribers map[*websocket.Conn]struct{}

	// frames holds encoded messages waiting to be fanned out
	frames chan []byte

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a server; nothing listens until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Host == "" {
		config.Host = def.Host
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		addr:        net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		subscribers: make(map[*websocket.Conn]struct{}),
		frames:      make(chan []byte, 100),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start binds the listener and serves /ws and /health in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dashboard listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSubscribe)
	mux.HandleFunc("/health", s.handleHealth)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Printf("Dashboard serve error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every subscriber and shuts the listener down. Safe to
// call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		for conn := range s.subscribers {
			_ = conn.Close(websocket.StatusGoingAway, "daemon stopping")
		}
		clear(s.subscribers)
		s.mu.Unlock()

		if s.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := s.http.Shutdown(ctx); serr != nil {
				err = fmt.Errorf("dashboard shutdown: %w", serr)
			}
		}
		s.wg.Wait()
		s.config.Logger.Println("Dashboard stopped")
	})
	return err
}

// Broadcast encodes msg and queues it for every subscriber. It never
// blocks: when the queue is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.config.Logger.Printf("Dropping %s: %v", msg.Type, err)
		return
	}
	select {
	case <-s.ctx.Done():
	case s.frames <- frame:
	default:
		s.config.Logger.Printf("WARNING: dashboard queue full, dropping %s", msg.Type)
	}
}

func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.frames:
			for _, conn := range s.snapshot() {
				if err := s.send(conn, frame); err != nil {
					s.config.Logger.Printf("Dropping subscriber: %v", err)
					s.unsubscribe(conn)
				}
			}
		}
	}
}

func (s *Server) snapshot() []*websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(s.subscribers))
	for conn := range s.subscribers {
		conns = append(conns, conn)
	}
	return conns
}

func (s *Server) send(conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The welcome goes out before the subscriber joins the fan-out set so
	// the snapshot always precedes the first change notice.
	if s.config.Welcome != nil {
		for _, msg := range s.config.Welcome(r.Context()) {
			frame, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := s.send(conn, frame); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "welcome failed")
				return
			}
		}
	}

	s.mu.Lock()
	s.subscribers[conn] = struct{}{}
	n := len(s.subscribers)
	s.mu.Unlock()
	s.config.Logger.Printf("Subscriber connected (%d total)", n)

	go s.drainReads(conn)
}

// drainReads notices disconnects. Subscribers have nothing to say.
func (s *Server) drainReads(conn *websocket.Conn) {
	defer s.unsubscribe(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) unsubscribe(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.subscribers[conn]
	delete(s.subscribers, conn)
	n := len(s.subscribers)
	s.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.config.Logger.Printf("Subscriber disconnected (%d total)", n)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Subscribers int    `json:"subscribers"`
	}{"ok", s.ClientCount()})
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns how many subscribers are connected.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
