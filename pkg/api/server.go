package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/bpfpp/pkg/config"
	"github.com/psaab/bpfpp/pkg/stats"
	"github.com/psaab/bpfpp/pkg/xsk"
)

// RingSource exposes the counters of a running ring driver.
type RingSource interface {
	Stats() xsk.Stats
	Occupancy() xsk.Occupancy
}

var _ RingSource = (*xsk.Driver)(nil)

// Config configures the API server.
type Config struct {
	// API holds the listen addresses, TLS settings and credentials. No
	// users and no keys means no authentication.
	API config.APIConfig

	Source          stats.Source
	Ring            RingSource // nil when the kernel hook bounces
	DataplaneLoaded bool
	BucketWidth     uint64
	ClockHz         uint64
	StreamInterval  time.Duration
}

// Server is the HTTP API server.
type Server struct {
	httpServer  *http.Server
	httpsServer *http.Server
	src         stats.Source
	ring        RingSource
	loaded      bool
	bucketWidth uint64
	clockHz     uint64
	streamEvery time.Duration
	startTime   time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.BucketWidth == 0 {
		cfg.BucketWidth = stats.DefaultBucketWidth
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = time.Second
	}
	s := &Server{
		src:         cfg.Source,
		ring:        cfg.Ring,
		loaded:      cfg.DataplaneLoaded,
		bucketWidth: cfg.BucketWidth,
		clockHz:     cfg.ClockHz,
		streamEvery: cfg.StreamInterval,
		startTime:   time.Now(),
	}

	handler := s.handler(newAuthenticator(cfg.API))

	s.httpServer = &http.Server{
		Addr:    cfg.API.Addr,
		Handler: handler,
	}

	// Set up HTTPS server with auto-generated self-signed certificate
	if cfg.API.TLS && cfg.API.HTTPSAddr != "" {
		tlsCert, err := generateSelfSignedCert(cfg.API.CertDir)
		if err != nil {
			slog.Warn("failed to generate self-signed certificate", "err", err)
		} else {
			s.httpsServer = &http.Server{
				Addr:    cfg.API.HTTPSAddr,
				Handler: handler,
				TLSConfig: &tls.Config{
					Certificates: []tls.Certificate{tlsCert},
					MinVersion:   tls.VersionTLS12,
				},
			}
		}
	}

	return s
}

func (s *Server) handler(auth *authenticator) http.Handler {
	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/stats", s.statsHandler)
	mux.HandleFunc("GET /api/v1/histogram", s.histogramHandler)
	mux.HandleFunc("GET /api/v1/timestamps/{round}", s.timestampHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/stats/stream", s.statsStreamHandler)

	if auth != nil {
		return auth.wrap(mux)
	}
	return mux
}

// Run starts the HTTP (and optionally HTTPS) server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Start HTTPS server if configured
	if s.httpsServer != nil {
		go func() {
			slog.Info("HTTPS API server listening", "addr", s.httpsServer.Addr)
			if err := s.httpsServer.ListenAndServeTLS("", ""); err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpsServer != nil {
		s.httpsServer.Shutdown(shutdownCtx)
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// DefaultCertDir holds the generated TLS certificate.
const DefaultCertDir = "/etc/bpfpp/tls"

// generateSelfSignedCert creates or loads a self-signed TLS certificate.
// If cert/key files exist in dir, they are loaded. Otherwise, a new
// ECDSA P-256 certificate is generated and persisted for reuse across restarts.
func generateSelfSignedCert(dir string) (tls.Certificate, error) {
	if dir == "" {
		dir = DefaultCertDir
	}
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	// Try loading existing cert
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return cert, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "bpfpp"
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hostname, Organization: []string{"bpfpp"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour), // 10 years
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// Persist for reuse across restarts
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Warn("TLS certificate not persisted", "dir", dir, "err", err)
		return tls.X509KeyPair(certPEM, keyPEM)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		slog.Warn("TLS certificate not persisted", "path", certPath, "err", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		slog.Warn("TLS key not persisted", "path", keyPath, "err", err)
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}
