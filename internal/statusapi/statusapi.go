// Package statusapi serves the local introspection endpoint: a JSON
// snapshot of the client state on the loopback interface, for shell
// scripts and the status subcommand.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/workers"
)

var serviceName = "statusapi"

// shutdownTimeout bounds the graceful server shutdown.
const shutdownTimeout = 2 * time.Second

// statusResponse is the payload served on /status.
type statusResponse struct {
	// InstanceID identifies this client process.
	InstanceID string `json:"instance_id"`

	model.StatusSnapshot
}

// Server is the introspection server. The zero value is invalid; use
// [New].
type Server struct {
	logger     model.Logger
	addr       string
	snapshot   func() model.StatusSnapshot
	instanceID string
	listener   net.Listener
}

// New creates a [Server] on addr serving snapshots from the given
// function.
func New(logger model.Logger, addr string, snapshot func() model.StatusSnapshot) *Server {
	return &Server{
		logger:     logger,
		addr:       addr,
		snapshot:   snapshot,
		instanceID: uuid.NewString(),
	}
}

// Addr returns the bound listener address, nil before StartWorkers.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/status" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp := statusResponse{
		InstanceID:     s.instanceID,
		StatusSnapshot: s.snapshot(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warnf("%s: cannot encode snapshot: %s", serviceName, err.Error())
	}
}

// StartWorkers binds the listener and starts serving.
func (s *Server) StartWorkers(w *workers.Manager) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	server := &http.Server{Handler: s}
	s.logger.Infof("%s: listening on http://%s/status", serviceName, listener.Addr())

	w.StartWorker(func() {
		workerName := fmt.Sprintf("%s: serveWorker", serviceName)
		defer w.OnWorkerDone(workerName)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Debugf("%s: %s", workerName, err.Error())
		}
	})
	w.StartWorker(func() {
		workerName := fmt.Sprintf("%s: shutdownWorker", serviceName)
		defer w.OnWorkerDone(workerName)
		<-w.ShouldShutdown()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			s.logger.Debugf("%s: shutdown: %s", workerName, err.Error())
		}
	})
	return nil
}
