package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sample is one message delivered to a subscriber.
type Sample struct {
	Key     string
	Payload []byte
}

// QueryHandler answers a query addressed to a declared queryable.
type QueryHandler func(ctx context.Context, key string, payload []byte) ([]byte, error)

// Config controls a Session's transport limits.
type Config struct {
	Endpoint           string // peer address queries dial, e.g. "tcp/127.0.0.1:7447"
	ListenAddr         string // local listen address; defaults to Endpoint
	QueryTimeout       time.Duration
	MaxConcurrentConns int
	MaxRequestBytes    int64
}

type subscription struct {
	id      int64
	pattern string
	ch      chan Sample
}

type queryable struct {
	id      int64
	pattern string
	handler QueryHandler
}

// Session is one endpoint on the bus: it accepts inbound connections for
// queries, and holds the in-process registries for local publish,
// subscribe, and queryable dispatch.
type Session struct {
	cfg Config
	log *zap.Logger

	ln  net.Listener
	sem chan struct{}

	mu       sync.RWMutex
	subs     []subscription
	queries  []queryable
	nextID   int64
	closed   bool
	wg       sync.WaitGroup
}

// Open starts a Session listening on cfg.ListenAddr ("tcp/host:port";
// defaults to cfg.Endpoint). Inbound connections carry queries, answered
// by local queryables, and published samples, delivered to local
// subscribers; local Publish/Subscribe/DeclareQueryable never touch the
// network.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Session, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = cfg.Endpoint
	}
	addr := strings.TrimPrefix(cfg.ListenAddr, "tcp/")
	if cfg.MaxConcurrentConns <= 0 {
		cfg.MaxConcurrentConns = 64
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bus: listen %q: %w", addr, err)
	}

	s := &Session{
		cfg: cfg,
		log: log,
		ln:  ln,
		sem: make(chan struct{}, cfg.MaxConcurrentConns),
	}

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	log.Info("bus session listening", zap.String("addr", addr))
	return s, nil
}

// Addr returns the session's bound listen address (host:port). Useful
// when the configured endpoint used port 0.
func (s *Session) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Session) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return
			}
			s.log.Warn("bus: accept error", zap.Error(err))
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("bus: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Session) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.QueryTimeout + 5*time.Second))

	r := bufio.NewReaderSize(io.LimitReader(conn, s.cfg.MaxRequestBytes), 64*1024)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}

	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		s.writeReply(conn, replyFrame{Error: "invalid JSON: " + err.Error()})
		return
	}

	switch f.Type {
	case "publish":
		s.dispatchLocal(Sample{Key: f.Key, Payload: f.Payload})
	case "query":
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.QueryTimeout)
		defer cancel()
		payload, err := s.callLocalQueryable(ctx, f.Key, f.Payload)
		if err != nil {
			s.writeReply(conn, replyFrame{Error: err.Error()})
			return
		}
		s.writeReply(conn, replyFrame{Payload: payload})
	default:
		s.writeReply(conn, replyFrame{Error: fmt.Sprintf("unknown frame type %q", f.Type)})
	}
}

func (s *Session) writeReply(conn net.Conn, r replyFrame) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// Subscription is a live registration returned by Subscribe.
type Subscription struct {
	s  *Session
	id int64
	ch chan Sample
}

// Channel returns the delivery channel for this subscription.
func (sub *Subscription) Channel() <-chan Sample { return sub.ch }

// Close unregisters the subscription.
func (sub *Subscription) Close() {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	for i, existing := range sub.s.subs {
		if existing.id == sub.id {
			sub.s.subs = append(sub.s.subs[:i], sub.s.subs[i+1:]...)
			close(existing.ch)
			return
		}
	}
}

// Subscribe registers a listener for keyExpr. The returned Subscription
// must be Close()d when no longer needed.
func (s *Session) Subscribe(keyExpr string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ch := make(chan Sample, 256)
	s.subs = append(s.subs, subscription{id: s.nextID, pattern: keyExpr, ch: ch})
	return &Subscription{s: s, id: s.nextID, ch: ch}
}

// Publish delivers payload to every local subscriber whose pattern
// matches key. Send failures (no subscribers, or a full subscriber
// channel) are ignored, per the bus's best-effort delivery model.
func (s *Session) Publish(key string, payload []byte) {
	s.dispatchLocal(Sample{Key: key, Payload: payload})
}

func (s *Session) dispatchLocal(sample Sample) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !Match(sub.pattern, sample.Key) {
			continue
		}
		select {
		case sub.ch <- sample:
		default:
		}
	}
}

// Queryable is a live registration returned by DeclareQueryable.
type Queryable struct {
	s  *Session
	id int64
}

// Undeclare unregisters the queryable.
func (q *Queryable) Undeclare() {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	for i, existing := range q.s.queries {
		if existing.id == q.id {
			q.s.queries = append(q.s.queries[:i], q.s.queries[i+1:]...)
			return
		}
	}
}

// DeclareQueryable registers handler to answer queries whose key matches
// keyExpr. Queryables with overlapping key expressions may be declared,
// but a query is answered only by the first-declared queryable that
// matches its key; later matches are not called and replies are never
// merged.
func (s *Session) DeclareQueryable(keyExpr string, handler QueryHandler) *Queryable {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.queries = append(s.queries, queryable{id: s.nextID, pattern: keyExpr, handler: handler})
	return &Queryable{s: s, id: s.nextID}
}

func (s *Session) callLocalQueryable(ctx context.Context, key string, payload []byte) ([]byte, error) {
	s.mu.RLock()
	var handler QueryHandler
	for _, q := range s.queries {
		if Match(q.pattern, key) {
			handler = q.handler
			break
		}
	}
	s.mu.RUnlock()

	if handler == nil {
		return nil, fmt.Errorf("bus: no queryable for %q", key)
	}
	return handler(ctx, key, payload)
}

// Query resolves key against a local queryable first; if none matches,
// it dials the configured remote endpoint and performs a single
// request/reply round trip.
func (s *Session) Query(ctx context.Context, key string, payload []byte) ([]byte, error) {
	s.mu.RLock()
	var handler QueryHandler
	for _, q := range s.queries {
		if Match(q.pattern, key) {
			handler = q.handler
			break
		}
	}
	s.mu.RUnlock()

	if handler != nil {
		return handler(ctx, key, payload)
	}
	return s.remoteQuery(ctx, key, payload)
}

func (s *Session) remoteQuery(ctx context.Context, key string, payload []byte) ([]byte, error) {
	addr := strings.TrimPrefix(s.cfg.Endpoint, "tcp/")

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %q: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := json.Marshal(frame{Type: "query", Key: key, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("bus: encode query: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("bus: send query: %w", err)
	}

	r := bufio.NewReaderSize(conn, 64*1024)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("bus: read reply: %w", err)
	}

	var reply replyFrame
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("bus: decode reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("bus: %s", reply.Error)
	}
	return reply.Payload, nil
}
