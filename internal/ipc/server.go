// Package ipc serves the external control protocol: one JSON object
// per line over a unix socket, in both directions.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dusklight/duskd/internal/state"
)

// Request is one decoded command line.
type Request struct {
	Type string `json:"type"`
	Mode string `json:"mode,omitempty"`
	Low  int    `json:"low,omitempty"`
	High int    `json:"high,omitempty"`
}

// errorResponse is sent for malformed or rejected commands; the
// connection stays open.
type errorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Server accepts control connections and applies commands to the
// state manager. Mutations happen synchronously in the connection
// goroutine, so a get_status following a set_mode on the same
// connection always observes the change; the orchestrator is kicked
// afterwards to re-apply ramps.
type Server struct {
	path string
	st   *state.Manager
	kick chan<- struct{}

	ln net.Listener
}

func NewServer(path string, st *state.Manager, kick chan<- struct{}) *Server {
	return &Server{path: path, st: st, kick: kick}
}

// Run listens on the socket until the context is cancelled. A stale
// socket file from a previous run is removed before binding.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Info().Str("socket", s.path).Msg("Control socket listening")

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(s.path)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Control socket accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	logger := log.With().Str("conn", connID).Logger()
	logger.Debug().Msg("Control client connected")

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn().Err(err).Msg("Malformed control line")
			if err := enc.Encode(errorResponse{Type: "error", Message: "invalid JSON: " + err.Error()}); err != nil {
				return
			}
			continue
		}

		resp := s.handle(req, logger)
		if err := enc.Encode(resp); err != nil {
			logger.Warn().Err(err).Msg("Failed to write control response")
			return
		}
	}
	logger.Debug().Msg("Control client disconnected")
}

// handle applies one command and builds its response. Every
// successful command answers with a status snapshot.
func (s *Server) handle(req Request, logger zerolog.Logger) any {
	now := time.Now()

	switch req.Type {
	case "get_status":
		return s.st.Status(now)

	case "set_mode":
		mode, err := state.ParseMode(req.Mode)
		if err != nil {
			logger.Warn().Str("mode", req.Mode).Msg("Rejected unknown mode")
			return errorResponse{Type: "error", Message: err.Error()}
		}
		s.st.SetMode(mode, now)
		s.notify()
		return s.st.Status(now)

	case "set_temperature":
		if err := s.st.SetTemperature(req.Low, req.High); err != nil {
			logger.Warn().Int("low", req.Low).Int("high", req.High).Msg("Rejected temperature bounds")
			return errorResponse{Type: "error", Message: err.Error()}
		}
		s.notify()
		return s.st.Status(now)

	default:
		logger.Warn().Str("type", req.Type).Msg("Unknown control command")
		return errorResponse{Type: "error", Message: "unknown command type: " + req.Type}
	}
}

// notify wakes the orchestrator loop; coalesced, never blocks.
func (s *Server) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
