package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bitalk/bitalk/internal/agent"
	"github.com/bitalk/bitalk/internal/discovery"
	"github.com/bitalk/bitalk/internal/profile"
)

// Backend is the read-only view of the service the API serves.
type Backend interface {
	Snapshot() []discovery.PeerEntry
	Stats() agent.Stats
	Profile() profile.LocalProfile
}

// Server serves bitalk.v1.Agent on a Unix socket.
type Server struct {
	backend    Backend
	server     *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *slog.Logger
}

// NewServer creates a Server for backend.
func NewServer(backend Backend) *Server {
	return NewServerWithLogger(backend, slog.Default())
}

// NewServerWithLogger creates a Server for backend with the given logger.
func NewServerWithLogger(backend Backend, logger *slog.Logger) *Server {
	s := &Server{
		backend: backend,
		server:  grpc.NewServer(),
		logger:  logger,
	}
	s.server.RegisterService(&agentServiceDesc, &handler{backend: backend})
	return s
}

// Listen creates the socket, replacing a stale one.
func (s *Server) Listen(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener
	s.socketPath = socketPath
	return nil
}

// Serve blocks serving requests until Stop is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("ipc: Listen must be called before Serve")
	}
	s.logger.Info("starting gRPC server", "socket", s.socketPath)
	return s.server.Serve(s.listener)
}

// Stop gracefully stops the server and removes the socket.
func (s *Server) Stop() error {
	s.server.GracefulStop()
	if s.socketPath == "" {
		return nil
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}
	return nil
}

type handler struct {
	backend Backend
}

var _ agentServer = (*handler)(nil)

func (h *handler) Nearby(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encodePeers(h.backend.Snapshot())
}

func (h *handler) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encodeStatus(h.backend.Stats(), h.backend.Profile())
}

func (h *handler) Profile(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encodeProfile(h.backend.Profile())
}
