// Package command is the coordinator's RPC surface: a newline-delimited
// JSON protocol served over a unix domain socket.
// Handlers mutate state exclusively through internal/store and notify the
// rest of the system by publishing to internal/events and internal/mail,
// never by holding direct references to the allocator, watchdog, or
// merger.
package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/kerr"
	"github.com/kilnhq/kiln/internal/log"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/store"
)

// MaxRequestBytes caps a single request line:
// a connection sending a longer line is closed rather than served.
const MaxRequestBytes = 1 << 20 // 1 MiB

// tracer spans every command dispatched over the socket, so a slow
// handler or a failing command shows up wherever the caller's span
// exporter is pointed.
var tracer = otel.Tracer("kiln/command")

// Server is the command RPC listener.
type Server struct {
	store    *store.Store
	mailBus  *mail.Bus
	eventBus *events.Bus
	listener net.Listener
	path     string
}

// New constructs a Server over the given store, mail bus, and event bus.
func New(s *store.Store, m *mail.Bus, eb *events.Bus) *Server {
	return &Server{store: s, mailBus: m, eventBus: eb}
}

// Listen binds the unix domain socket at path, removing any stale socket
// file left behind by a prior crashed run, and restricts it to
// owner-read/write.
func (s *Server) Listen(path string) error {
	if runtime.GOOS == "windows" {
		return fmt.Errorf("command: unix domain sockets are not supported on windows")
	}
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("command: listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = l.Close()
		return fmt.Errorf("command: restricting socket permissions: %w", err)
	}

	s.listener = l
	s.path = path
	return nil
}

// Addr returns the bound socket path, valid after Listen.
func (s *Server) Addr() string { return s.path }

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each connection is served on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("command: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close shuts the listener down. Safe to call even if Listen was never
// called.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

type wireRequest struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

var errLineTooLong = errors.New("command: request line exceeds maximum size")

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := readLimitedLine(reader, MaxRequestBytes)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				writeLine(conn, response{Error: "request exceeds maximum size of 1 MiB"})
			}
			return // EOF, oversize, or connection error: nothing more to serve
		}
		if len(line) == 0 {
			continue
		}

		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			writeLine(conn, response{Error: "malformed request: " + err.Error()})
			continue
		}

		writeLine(conn, s.dispatchTraced(connCtx, req))
	}
}

// dispatchTraced wraps dispatch in a span named after the command, so
// the whole command surface is traceable without every handler needing
// its own instrumentation.
func (s *Server) dispatchTraced(ctx context.Context, req wireRequest) response {
	ctx, span := tracer.Start(ctx, "command."+req.Command, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(attribute.String("command", req.Command))

	resp := s.dispatch(ctx, req)
	if resp.Error != "" {
		span.RecordError(errors.New(resp.Error))
		span.SetStatus(codes.Error, resp.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return resp
}

// readLimitedLine reads one newline-delimited line, never buffering more
// than max bytes before giving up, so an oversize line cannot exhaust
// memory before the size check fires.
func readLimitedLine(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > max {
			for isPrefix {
				if _, isPrefix, err = r.ReadLine(); err != nil {
					break
				}
			}
			return nil, errLineTooLong
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

// response is the wire shape of every reply: {"ok":true,...} on success,
// {"error":"..."} on failure.
type response struct {
	Error       string
	Conflicting bool
	Fields      map[string]any
}

// MarshalJSON produces one of three response shapes:
// plain {"error":...} for an InvalidInputError (and anything unclassified),
// {"ok":false,"error":...} for a ConflictingStateError (an optimistic-check
// failure the caller may retry), or {"ok":true,...fields} on success.
func (r response) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		if r.Conflicting {
			return json.Marshal(map[string]any{"ok": false, "error": r.Error})
		}
		return json.Marshal(map[string]any{"error": r.Error})
	}
	out := map[string]any{"ok": true}
	for k, v := range r.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}

func ok(fields map[string]any) response { return response{Fields: fields} }

func fail(err error) response {
	var conflict *kerr.ConflictingStateError
	return response{Error: err.Error(), Conflicting: errors.As(err, &conflict)}
}

func writeLine(conn net.Conn, resp response) {
	b, err := json.Marshal(resp)
	if err != nil {
		log.ErrorErr(log.CatCommand, "failed to encode response", err)
		b = []byte(`{"error":"internal: failed to encode response"}`)
	}
	b = append(b, '\n')
	_, _ = conn.Write(b)
}
