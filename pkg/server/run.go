package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/NicolasHaas/reverb/pkg/model"
	"github.com/NicolasHaas/reverb/pkg/version"
)

// Run provisions channels, starts the listener and the metrics endpoint, and
// serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if s.router.verifier == nil {
		return fmt.Errorf("server: missing verifier dependency")
	}
	defer func() { _ = s.store.Close() }()

	if err := s.LoadChannels(); err != nil {
		return err
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("reverb server running",
		"addr", ln.Addr().String(),
		"tls", s.cfg.TLS,
		"channels", s.registry.Len(),
		"version", version.Full(),
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.Shutdown()
	}()

	err = s.Serve(s.ctx, ln)
	s.cancel()
	s.wg.Wait()
	s.log.Info("server stopped")
	return err
}

// LoadChannels fills the registry from the store, importing the channels file
// first when configured. The default channel is created if nothing is
// provisioned.
func (s *Server) LoadChannels() error {
	if s.cfg.ChannelsFile != "" {
		if _, err := LoadChannelsFromYAML(s.cfg.ChannelsFile, s.store); err != nil {
			s.log.Error("failed to load channels config", "err", err)
		}
	}

	channels, err := s.store.ListChannels()
	if err != nil {
		return fmt.Errorf("server: list channels: %w", err)
	}
	if len(channels) == 0 {
		def := model.NewChannel()
		if err := s.store.CreateChannel(def); err != nil {
			return fmt.Errorf("server: create default channel: %w", err)
		}
		s.log.Info("created default channel", "id", def.ID)
		channels = append(channels, *def)
	}

	for _, ch := range channels {
		if err := s.registry.Create(ch); err != nil {
			s.log.Warn("skipping channel", "id", ch.ID, "err", err)
		}
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if !s.cfg.TLS {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("server: listen: %w", err)
		}
		return ln, nil
	}

	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("server: tls: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}
	return ln, nil
}

// Addr returns the listener address once Run has started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and tells connected sessions to close.
func (s *Server) Shutdown() {
	s.cancel()
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()
}
