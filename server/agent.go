package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	recallerr "github.com/becomeliminal/nim-recall/errors"
)

// Agent runs turns. *engine.Engine satisfies it.
type Agent interface {
	Run(ctx context.Context, in engine.Input) (*engine.Output, error)
}

// Records lists and resets stored records. *memory.Manager satisfies it.
type Records interface {
	List(ctx context.Context, limit int) ([]core.Record, error)
	Forget(ctx context.Context) (bool, error)
	Halted() bool
}

// AgentHealth is the /health body of the agent API.
type AgentHealth struct {
	Status       string `json:"status"`
	WritesHalted bool   `json:"writes_halted"`
}

// ResetResponse is the DELETE /messages body.
type ResetResponse struct {
	Deleted bool `json:"deleted"`
}

// DefaultListLimit is used by /messages without a limit parameter.
const DefaultListLimit = 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// MountAgent registers the agent routes.
func (s *Server) MountAgent(agent Agent, records Records) {
	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, AgentHealth{Status: "ok", WritesHalted: records.Halted()})
	})

	s.router.Post("/text", func(w http.ResponseWriter, r *http.Request) {
		var in engine.Input
		if err := s.decode(w, r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
		out, err := agent.Run(r.Context(), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	s.router.Get("/messages", func(w http.ResponseWriter, r *http.Request) {
		limit := DefaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				s.writeError(w, r, recallerr.Errorf(recallerr.CodeServerRequestInvalid, "limit must be an integer, got %q", raw))
				return
			}
			limit = n
		}
		list, err := records.List(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if list == nil {
			list = []core.Record{}
		}
		writeJSON(w, http.StatusOK, list)
	})

	// Dropping the collection is how a write halt is lifted without a restart.
	s.router.Delete("/messages", func(w http.ResponseWriter, r *http.Request) {
		existed, err := records.Forget(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("collection reset over http", "existed", existed)
		writeJSON(w, http.StatusOK, ResetResponse{Deleted: existed})
	})

	s.router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		s.serveTurns(r.Context(), conn, agent)
	})
}

// serveTurns answers one JSON turn per message until the client goes away.
// Turn failures are reported on the socket and do not close it.
func (s *Server) serveTurns(ctx context.Context, conn *websocket.Conn, agent Agent) {
	for {
		var in engine.Input
		if err := conn.ReadJSON(&in); err != nil {
			if !isJSONError(err) {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket closed", "error", err)
				}
				return
			}
			if werr := s.writeFrame(conn, errorBody(recallerr.Wrap(err, recallerr.CodeServerRequestInvalid, "invalid JSON message"))); werr != nil {
				return
			}
			continue
		}

		var reply any
		out, err := agent.Run(ctx, in)
		if err != nil {
			s.logger.Warn("websocket turn failed", "uid", in.UID, "error", err)
			reply = errorBody(err)
		} else {
			reply = out
		}
		if err := s.writeFrame(conn, reply); err != nil {
			return
		}
	}
}

func isJSONError(err error) bool {
	var syntax *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syntax) || errors.As(err, &typ)
}

func (s *Server) writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}
