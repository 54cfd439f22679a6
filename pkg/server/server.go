// Package server implements the reverb server: sessions, channel membership,
// message routing and the connection lifecycle.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/NicolasHaas/reverb/pkg/datastore"
	"github.com/NicolasHaas/reverb/pkg/logging"
	"github.com/NicolasHaas/reverb/pkg/model"
	"github.com/NicolasHaas/reverb/pkg/protocol"
	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

// Config holds server configuration.
type Config struct {
	ListenAddr   string // TCP bind address (e.g. ":9600")
	MetricsAddr  string // HTTP bind address for /metrics (empty = disabled)
	DBPath       string // SQLite database path
	DataDir      string // directory for generated certs
	TLS          bool   // serve TLS instead of plain TCP
	CertFile     string // TLS certificate file path
	KeyFile      string // TLS private key file path
	ChannelsFile string // YAML file defining channels to provision on startup

	MaxConnections  int           // 0 = unlimited
	MaxFrameSize    int           // largest accepted frame payload in bytes
	QueueSize       int           // per-session outbound queue capacity
	ReliableTimeout time.Duration // how long a reliable push waits for space
	WriteTimeout    time.Duration // per-frame socket write deadline
	AuthTimeout     time.Duration // time allowed between accept and login
	LoginRate       float64       // login attempts per second per session
	LoginBurst      int

	// CLI-only actions (run and exit)
	ExportUsers    bool // export all users as YAML and exit
	ExportChannels bool // export all channels as YAML and exit
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":9600",
		MetricsAddr:     ":9602",
		DBPath:          "reverb.db",
		DataDir:         ".",
		MaxConnections:  1024,
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		QueueSize:       256,
		ReliableTimeout: 2 * time.Second,
		WriteTimeout:    5 * time.Second,
		AuthTimeout:     10 * time.Second,
		LoginRate:       0.5,
		LoginBurst:      3,
	}
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store    datastore.DataStore
	Verifier Verifier
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile

	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	// Try loading existing cert
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	// Generate self-signed certificate
	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"reverb server"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	// Write cert
	certOut, err := os.Create(certPath) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		_ = certOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode cert: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close cert file: %w", err)
	}

	// Write key
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close key file: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.LoadX509KeyPair(certPath, keyPath)
}

// Server is the main reverb server.
type Server struct {
	cfg      Config
	store    datastore.DataStore
	sessions *SessionManager
	registry *ChannelRegistry
	router   *Router
	metrics  *Metrics
	connSem  *semaphore.Weighted
	log      *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		sessions: NewSessionManager(),
		registry: NewChannelRegistry(),
		metrics:  NewMetrics(),
		log:      logging.Component("server"),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.MaxConnections > 0 {
		s.connSem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	var channels datastore.ChannelProvider
	if deps.Store != nil {
		channels = deps.Store
	}
	s.router = NewRouter(deps.Verifier, channels, s.registry, s.sessions, s.metrics, cfg.MaxFrameSize)
	return s
}

// Registry returns the channel registry.
func (s *Server) Registry() *ChannelRegistry {
	return s.registry
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// SessionSnapshots returns a point-in-time view of every live session.
func (s *Server) SessionSnapshots() []model.Session {
	all := s.sessions.All()
	out := make([]model.Session, 0, len(all))
	for _, sess := range all {
		out = append(out, sess.snapshot(s.registry.ChannelOf(sess)))
	}
	return out
}

// newSession creates a session configured from the server config.
func (s *Server) newSession(remoteAddr string) *Session {
	return NewSession(remoteAddr, SessionOptions{
		QueueSize:       s.cfg.QueueSize,
		ReliableTimeout: s.cfg.ReliableTimeout,
		LoginRate:       rate.Limit(s.cfg.LoginRate),
		LoginBurst:      s.cfg.LoginBurst,
		OnDrop: func(pb.Message) {
			s.metrics.MediaFramesDropped.Add(1)
		},
	})
}
