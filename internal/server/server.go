// Package server exposes a Predictor over gRPC and HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/lesionseg/internal/inference"
	"github.com/banshee-data/lesionseg/internal/runstore"
)

// Config holds listen addresses. An empty address disables that surface.
type Config struct {
	GRPCAddr string
	HTTPAddr string
}

// Server runs the gRPC and HTTP listeners.
type Server struct {
	cfg   Config
	pred  *inference.Predictor
	store *runstore.Store

	grpcServer *grpc.Server
	httpServer *http.Server
	wg         sync.WaitGroup
	errCh      chan error
}

// New prepares both surfaces without listening.
func New(cfg Config, pred *inference.Predictor, store *runstore.Store) (*Server, error) {
	s := &Server{cfg: cfg, pred: pred, store: store, errCh: make(chan error, 2)}

	// Large clouds exceed the default 4MB message cap.
	const maxMsgSize = MaxRequestBytes
	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.ChainUnaryInterceptor(recoverUnary),
	)
	RegisterSegmentationServer(s.grpcServer, &grpcService{pred: pred})

	mux, err := NewMux(pred, store)
	if err != nil {
		return nil, err
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// GRPCServer exposes the gRPC server, e.g. to serve on a custom listener.
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }

// Start binds the configured listeners and serves in the background.
func (s *Server) Start() error {
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("[gRPC] listening on %s", lis.Addr())
			if err := s.grpcServer.Serve(lis); err != nil {
				s.errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}
	if s.cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			s.grpcServer.Stop()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("[http] listening on %s", lis.Addr())
			if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.errCh <- fmt.Errorf("http: %w", err)
			}
		}()
	}
	return nil
}

// Wait blocks until ctx is done or a listener fails, then shuts down.
func (s *Server) Wait(ctx context.Context) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-s.errCh:
	}
	s.Stop()
	return err
}

// Stop drains both servers.
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[http] shutdown: %v", err)
	}
	s.grpcServer.GracefulStop()
	s.wg.Wait()
	log.Printf("server stopped")
}
