// Package server wires the issuer service together and owns its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaymesh/credserver/internal/platform/timeouts"
	httpapi "github.com/relaymesh/credserver/internal/services/issuer/api/http"
	"github.com/relaymesh/credserver/internal/services/issuer/broker"
	"github.com/relaymesh/credserver/internal/services/issuer/claims"
	"github.com/relaymesh/credserver/internal/services/issuer/issuance"
	"github.com/relaymesh/credserver/internal/services/issuer/keystore"
	issuersqlite "github.com/relaymesh/credserver/internal/services/issuer/storage/sqlite"
)

// Config holds the issuer service configuration.
type Config struct {
	// HTTPAddr is the listen address for the credential endpoint.
	HTTPAddr string
	// KeystoreDir roots the on-disk key hierarchy.
	KeystoreDir string
	// BrokerURL is the broker's account-resolver admin base URL.
	BrokerURL string
	// AuditDBPath locates the SQLite issuance log. Empty disables auditing.
	AuditDBPath string
}

// Server hosts the issuer service.
type Server struct {
	listener    net.Listener
	httpServer  *http.Server
	audit       *issuersqlite.Store
	coordinator *issuance.Coordinator
}

// New creates a configured issuer server. It fails when the operator has
// not been provisioned in the keystore.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, fmt.Errorf("http listen address is required")
	}

	store, err := keystore.Open(cfg.KeystoreDir)
	if err != nil {
		return nil, err
	}
	operator, err := store.LoadOperator()
	if err != nil {
		return nil, fmt.Errorf("load operator: %w", err)
	}

	publisher, err := broker.NewClient(cfg.BrokerURL, nil)
	if err != nil {
		return nil, err
	}

	var audit *issuersqlite.Store
	if strings.TrimSpace(cfg.AuditDBPath) != "" {
		if dir := filepath.Dir(cfg.AuditDBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create audit dir: %w", err)
			}
		}
		audit, err = issuersqlite.Open(cfg.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
	}

	var auditor issuance.Auditor
	if audit != nil {
		auditor = audit
	}
	coordinator := issuance.New(operator, store, claims.NewBuilder(nil), publisher, auditor)

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		if audit != nil {
			_ = audit.Close()
		}
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	mux := http.NewServeMux()
	httpapi.NewHandler(coordinator).Register(mux)

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		audit:       audit,
		coordinator: coordinator,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an issuer server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	issuerServer, err := New(cfg)
	if err != nil {
		return err
	}
	return issuerServer.Serve(ctx)
}

// Serve starts the issuer server and blocks until it stops or the context
// ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeAudit()

	log.Printf("issuer listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func (s *Server) closeAudit() {
	if s == nil || s.audit == nil {
		return
	}
	if err := s.audit.Close(); err != nil {
		log.Printf("close audit store: %v", err)
	}
}
