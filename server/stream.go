package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glimte/docflow-go/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream pushes status reports for one session over a websocket. The
// current report is sent immediately, then again on every change. The
// connection closes once the run reaches a terminal status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	// Reject unknown sessions before upgrading so the client gets a
	// proper HTTP status.
	report, err := s.engine.Status(r.Context(), sessionID)
	if err != nil {
		respondError(w, s.logger, mapStatus(err), err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "sessionId", sessionID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames to notice the peer closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeReport(conn, report); err != nil {
		return
	}
	if report.Status.IsTerminal() {
		s.closeStream(conn, sessionID)
		return
	}

	lastModified := report.LastModified
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		report, err = s.engine.Status(ctx, sessionID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("status stream lookup failed", "sessionId", sessionID, "error", err)
			return
		}
		if !report.LastModified.After(lastModified) {
			continue
		}
		lastModified = report.LastModified

		if err := s.writeReport(conn, report); err != nil {
			return
		}
		if report.Status.IsTerminal() {
			s.closeStream(conn, sessionID)
			return
		}
	}
}

func (s *Server) writeReport(conn *websocket.Conn, report *pipeline.StatusReport) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(report); err != nil {
		s.logger.Debug("status stream write failed", "error", err)
		return err
	}
	return nil
}

func (s *Server) closeStream(conn *websocket.Conn, sessionID string) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second)); err != nil {
		s.logger.Debug("status stream close failed", "sessionId", sessionID, "error", err)
	}
}
