// Package server implements the gorecord session server.
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
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NicolasHaas/gorecord/pkg/auth"
	"github.com/NicolasHaas/gorecord/pkg/datastore"
	"github.com/NicolasHaas/gorecord/pkg/pool"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string        // TCP bind address (e.g. ":9600")
	SessionTimeout time.Duration // idle time after which a session gets 408 and is closed
	RequestTimeout time.Duration // upper bound for the store work of one request
	MaxSessions    int           // concurrent sessions; the next connection gets 503
	PoolSize       int           // pooled store connections

	DBDriver string // "sqlite" or "postgres"
	DBDSN    string // file path for sqlite, connection URL for postgres

	TLS      bool   // serve the listener over TLS
	CertFile string // TLS certificate file path
	KeyFile  string // TLS private key file path
	DataDir  string // directory for generated certs and data

	MetricsAddr        string        // HTTP bind address for /metrics (empty = disabled)
	MetricsLogInterval time.Duration // periodic metrics summary (0 = disabled)

	AdminUser   string // account created with a random password on first run
	RecordsFile string // YAML file with records to import on startup
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":9600",
		SessionTimeout:     5 * time.Minute,
		RequestTimeout:     30 * time.Second,
		MaxSessions:        10,
		PoolSize:           5,
		DBDriver:           datastore.DriverSQLite,
		DBDSN:              "gorecord.db",
		DataDir:            ".",
		MetricsAddr:        ":9602",
		MetricsLogInterval: 60 * time.Second,
		AdminUser:          "admin",
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("server: listen address is required")
	case c.SessionTimeout <= 0:
		return fmt.Errorf("server: session timeout must be positive, got %s", c.SessionTimeout)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("server: request timeout must be positive, got %s", c.RequestTimeout)
	case c.MaxSessions <= 0:
		return fmt.Errorf("server: max sessions must be positive, got %d", c.MaxSessions)
	case c.PoolSize <= 0:
		return fmt.Errorf("server: pool size must be positive, got %d", c.PoolSize)
	case c.DBDSN == "":
		return errors.New("server: database DSN is required")
	}
	if _, err := datastore.DialectFor(c.DBDriver); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
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

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"gorecord"}},
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
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", privBytes, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)
	return tls.LoadX509KeyPair(certPath, keyPath)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) //nolint:gosec // path from server config
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Store is what the server needs from the persistence layer. The server
// takes ownership and closes it in Stop.
type Store interface {
	datastore.DataProviderFactory
	Close() error
}

// PoolStats exposes the connection pool to metrics and health checks.
type PoolStats interface {
	Stats() pool.Stats
	Ping(ctx context.Context) error
}

// Dependencies holds external dependencies for the server.
type Dependencies struct {
	Store Store
	Pool  PoolStats // optional
}

// Server is the record session server. Build it once with New and pass it
// by pointer.
type Server struct {
	cfg        Config
	store      Store
	pool       PoolStats
	auth       *auth.Authenticator
	sessions   *SessionManager
	dispatcher *dispatcher
	metrics    *Metrics

	listener   net.Listener
	acceptDone chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		store:      deps.Store,
		pool:       deps.Pool,
		auth:       auth.New(deps.Store),
		sessions:   NewSessionManager(cfg.MaxSessions),
		acceptDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	var poolStats func() pool.Stats
	if deps.Pool != nil {
		poolStats = deps.Pool.Stats
	}
	s.metrics = NewMetrics(s.sessions.Count, poolStats)
	s.dispatcher = newDispatcher(s)
	return s
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Auth returns the authenticator.
func (s *Server) Auth() *auth.Authenticator {
	return s.auth
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
