package replayrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/telemetry.relay/internal/monitoring"
	"github.com/banshee-data/telemetry.relay/internal/replay"
)

// Config holds configuration for the replay gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061").
	ListenAddr string

	// Root is the directory that relative file paths are resolved against.
	Root string

	// Recordings resolves "recording" commands. Optional.
	Recordings Recordings

	// EngineOptions are applied to every session's engine.
	EngineOptions []replay.Option
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50061",
		Root:       ".",
	}
}

// Ensure Server implements the gRPC interface.
var _ ReplayServiceServer = (*Server)(nil)

// Server hosts ReplayService. Each Session stream runs its own engine.
type Server struct {
	config   Config
	resolver resolver
	logf     func(format string, v ...interface{})

	server   *grpc.Server
	listener net.Listener

	sessionSeq atomic.Uint64
	sessions   atomic.Int32

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a server and registers the service on a new
// grpc.Server.
func NewServer(cfg Config) *Server {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	s := &Server{
		config:   cfg,
		resolver: resolver{root: cfg.Root, recordings: cfg.Recordings},
		logf:     monitoring.Prefixed("[ReplayRPC]"),
	}
	const maxMsgSize = 16 * 1024 * 1024
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterReplayServiceServer(s.server, s)
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if !s.running.CompareAndSwap(false, true) {
		lis.Close()
		return errors.New("server already running")
	}
	s.listener = lis
	s.logf("listening on %s (root %s)", lis.Addr(), s.config.Root)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			s.logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}
	s.listener = lis
	return s.server.Serve(lis)
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of open Session streams.
func (s *Server) ActiveSessions() int {
	return int(s.sessions.Load())
}

// Stop stops the server. Open sessions are cancelled if they do not finish
// within a short grace period.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		done := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			s.server.Stop()
			<-done
		}
		s.wg.Wait()
		s.logf("gRPC server stopped")
	})
}

// Session implements the bidirectional replay stream. Invalid commands are
// answered with an error event and the stream continues. After the client
// half-closes, events keep flowing until the client cancels.
func (s *Server) Session(stream ReplayService_SessionServer) error {
	id := s.sessionSeq.Add(1)
	s.sessions.Add(1)
	defer s.sessions.Add(-1)
	s.logf("session %d opened", id)

	ctx, cancel := context.WithCancel(stream.Context())
	eng := replay.NewEngine(s.config.EngineOptions...)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		eng.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runDone
		s.logf("session %d closed", id)
	}()

	recvErr := make(chan error, 1)
	cmdErrs := make(chan error, 16)
	go s.recvLoop(ctx, id, stream, eng, cmdErrs, recvErr)

	events := eng.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return status.FromContextError(ctx.Err()).Err()
			}
			if err := s.send(stream, ev); err != nil {
				return err
			}
		case err := <-cmdErrs:
			if err := s.send(stream, replay.Event{Type: replay.EventError, Data: err.Error()}); err != nil {
				return err
			}
		case err := <-recvErr:
			if err != nil {
				s.logf("session %d: recv: %v", id, err)
				return err
			}
			recvErr = nil
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

func (s *Server) recvLoop(ctx context.Context, id uint64, stream ReplayService_SessionServer, eng *replay.Engine, cmdErrs, recvErr chan<- error) {
	for {
		in, err := stream.Recv()
		if err == io.EOF {
			recvErr <- nil
			return
		}
		if err != nil {
			recvErr <- err
			return
		}

		msg, err := ParseMessage(in)
		var cmd replay.Command
		if err == nil {
			cmd, err = s.resolver.command(ctx, msg)
		}
		if err == nil {
			err = eng.Send(ctx, cmd)
		}
		if err != nil {
			s.logf("session %d: %v", id, err)
			select {
			case cmdErrs <- err:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Server) send(stream ReplayService_SessionServer, ev replay.Event) error {
	st, err := eventStruct(ev)
	if err != nil {
		s.logf("dropping %s event: %v", ev.Type, err)
		return nil
	}
	return stream.Send(st)
}
