package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bdaemon/agentd/internal/daemonlog"
)

// HandlerFunc answers one Request with either a result or an error.
// params is the raw, unparsed Request.Params; handlers decode it
// themselves into whatever shape their method expects.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (result any, errOut *Error)

// SnapshotItem is one entry of a subscriber's initial-state dump: an
// event type paired with its payload, not yet assigned a sequence
// number (the server assigns one from the hub's counter so it slots
// into the same monotonically increasing space as live events).
type SnapshotItem struct {
	Type    EventType
	Payload any
}

// SnapshotProvider derives the bounded batch of recent-state events a
// new subscriber sees before live events: recent messages (type
// "message") followed by the session's last known status (type
// "status_change"), if any. Implemented by a thin adapter over
// internal/store so this package stays independent of the store's
// concrete types.
type SnapshotProvider interface {
	SessionSnapshot(sessionID string) ([]SnapshotItem, error)
}

// Server is the daemon's client-facing Unix-socket endpoint: an NDJSON
// request/response loop per connection, each connection its own
// goroutine, with a streaming upgrade for session.subscribe.
type Server struct {
	socketPath     string
	requestTimeout time.Duration
	hub            *Hub
	snapshot       SnapshotProvider

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	observer func(method string, failed bool)
	listener net.Listener
	shutdown bool
}

// NewServer builds a Server listening on socketPath once Start is
// called. requestTimeout defaults to 30s if zero.
func NewServer(socketPath string, hub *Hub, requestTimeout time.Duration) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Server{
		socketPath:     socketPath,
		requestTimeout: requestTimeout,
		hub:            hub,
		handlers:       map[string]HandlerFunc{},
	}
}

// Register installs the handler for method, overwriting any existing one.
func (s *Server) Register(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// SetRequestObserver installs a callback invoked once per dispatched
// request with the method name and whether it produced an error.
// Feeds the request counter in internal/metrics.
func (s *Server) SetRequestObserver(fn func(method string, failed bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// SetSnapshotProvider installs the source of initial-state dumps for
// session.subscribe. Without one, a subscribe skips straight from the
// success response to live events (no initial_state event).
func (s *Server) SetSnapshotProvider(p SnapshotProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = p
}

// Start opens the Unix socket and accepts connections until ctx is
// canceled or Stop is called. It returns once the listener is closed.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("ipc: create socket dir: %w", err)
	}
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		daemonlog.Logf("ipc: chmod socket: %v", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shutdown
			s.mu.Unlock()
			if down {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		go s.handleConnection(conn)
	}
}

// Stop closes the listener, ending Start's accept loop.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	var (
		subMu     sync.Mutex
		streaming bool
		sub       *subscriber
		subSessID string
	)
	defer func() {
		subMu.Lock()
		if streaming {
			s.hub.Unsubscribe(subSessID, sub)
		}
		subMu.Unlock()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := s.writeResponse(writer, conn, Response{Error: NewError(CodeParseError, "parse error")}); werr != nil {
				return
			}
			continue
		}

		if req.Method == MethodSessionSubscribe {
			sessionID, perr := parseSessionID(req.Params)
			if perr != nil {
				s.writeResponse(writer, conn, Response{ID: req.ID, Error: NewError(CodeInvalidParams, perr.Error())})
				continue
			}

			subMu.Lock()
			if streaming {
				s.hub.Unsubscribe(subSessID, sub)
			}
			newSub, events := s.hub.Subscribe(sessionID)
			sub = newSub
			subSessID = sessionID
			streaming = true
			subMu.Unlock()

			if err := s.writeResponse(writer, conn, Response{ID: req.ID, Result: json.RawMessage(`{"subscribed":true}`)}); err != nil {
				return
			}

			s.mu.Lock()
			snapshotProvider := s.snapshot
			s.mu.Unlock()
			if snapshotProvider != nil {
				items, serr := snapshotProvider.SessionSnapshot(sessionID)
				if serr != nil {
					daemonlog.Logf("ipc: session snapshot for %s: %v", sessionID, serr)
				}
				for _, item := range items {
					evt := Event{Type: item.Type, Sequence: s.hub.NextSequence(), SessionID: sessionID, Payload: item.Payload}
					data, merr := json.Marshal(evt)
					if merr != nil {
						continue
					}
					if err := conn.SetWriteDeadline(time.Now().Add(s.requestTimeout)); err != nil {
						return
					}
					if _, err := writer.Write(data); err != nil {
						return
					}
					if err := writer.WriteByte('\n'); err != nil {
						return
					}
					if err := writer.Flush(); err != nil {
						return
					}
				}
			}
			// Hand the connection over to the streaming loop: it owns
			// both the outbound event push and the inbound read from
			// here until unsubscribe or a transport error ends it. The
			// outer defer's cleanup is disarmed (streaming=false)
			// because streamSession unsubscribes itself on every exit
			// path.
			subMu.Lock()
			streaming = false
			subMu.Unlock()
			s.streamSession(conn, writer, reader, sub, sessionID, events)
			return
		}

		if req.Method == MethodSessionUnsubscribe {
			subMu.Lock()
			if streaming {
				s.hub.Unsubscribe(subSessID, sub)
				streaming = false
			}
			subMu.Unlock()
			if err := s.writeResponse(writer, conn, Response{ID: req.ID, Result: json.RawMessage(`{"unsubscribed":true}`)}); err != nil {
				return
			}
			continue
		}

		s.mu.Lock()
		handler, ok := s.handlers[req.Method]
		observer := s.observer
		s.mu.Unlock()

		var resp Response
		if !ok {
			resp = Response{ID: req.ID, Error: NewError(CodeMethodNotFound, "unknown method: "+req.Method)}
		} else {
			result, errOut := handler(context.Background(), req.Params)
			if errOut != nil {
				resp = Response{ID: req.ID, Error: errOut}
			} else {
				data, merr := json.Marshal(result)
				if merr != nil {
					resp = Response{ID: req.ID, Error: NewError(CodeInternalError, "marshal result: "+merr.Error())}
				} else {
					resp = Response{ID: req.ID, Result: data}
				}
			}
		}
		if observer != nil {
			observer(req.Method, resp.Error != nil)
		}

		if err := conn.SetWriteDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}
		if err := s.writeResponse(writer, conn, resp); err != nil {
			return
		}
	}
}

// streamSession multiplexes two concurrent sources for the lifetime of
// a subscribed connection: Hub events pushed outbound, and inbound
// lines read from the client, of which only session.unsubscribe is
// meaningful. It owns the subscription end-to-end and always
// unsubscribes before returning, on any exit path.
//
// The inbound read happens on its own goroutine because bufio.Reader's
// ReadBytes blocks with no way to interrupt it when an event arrives
// first; the goroutine hands completed reads back over a channel that
// the select loop here consumes alongside events.
func (s *Server) streamSession(conn net.Conn, writer *bufio.Writer, reader *bufio.Reader, sub *subscriber, sessionID string, events <-chan Event) {
	defer s.hub.Unsubscribe(sessionID, sub)

	type lineResult struct {
		line []byte
		err  error
	}
	lines := make(chan lineResult, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			line, err := reader.ReadBytes('\n')
			select {
			case lines <- lineResult{line, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(s.requestTimeout)); err != nil {
				return
			}
			if _, err := writer.Write(data); err != nil {
				return
			}
			if err := writer.WriteByte('\n'); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case lr := <-lines:
			if lr.err != nil {
				return // transport error: silent cleanup
			}
			var req Request
			if err := json.Unmarshal(lr.line, &req); err != nil {
				return // parse error: silent cleanup
			}
			if req.Method == MethodSessionUnsubscribe {
				_ = s.writeResponse(writer, conn, Response{ID: req.ID, Result: json.RawMessage(`{"unsubscribed":true}`)})
				return
			}
			// Any other method is not meaningful mid-stream; ignored.
		}
	}
}

func (s *Server) writeResponse(writer *bufio.Writer, conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("ipc: marshal response: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.requestTimeout)); err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		return err
	}
	if err := writer.WriteByte('\n'); err != nil {
		return err
	}
	return writer.Flush()
}

func parseSessionID(params json.RawMessage) (string, error) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", fmt.Errorf("decode params: %w", err)
	}
	if p.SessionID == "" {
		return "", fmt.Errorf("session_id is required")
	}
	return p.SessionID, nil
}
