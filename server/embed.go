package server

import (
	"net/http"
	"strings"

	"github.com/becomeliminal/nim-recall/core"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/remote"
)

// ModelInfo describes the loaded embedding model for /health.
type ModelInfo struct {
	Name      string
	MaxLength int
}

// EmbedRequest is the body of the embedding routes.
type EmbedRequest struct {
	Text string `json:"text"`

	// Mode is "query" or "passage". Only read by /embed; empty means passage.
	Mode string `json:"mode,omitempty"`
}

// MountEmbedding registers the embedding service routes.
func (s *Server) MountEmbedding(e memory.Embedder, info ModelInfo) {
	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, remote.Health{
			OK:        true,
			Model:     info.Name,
			Dim:       e.Dimensions(),
			MaxLength: info.MaxLength,
		})
	})

	s.router.Post("/embed", s.embedHandler(e, nil))

	doc := core.ModePassage
	s.router.Post("/embed-doc", s.embedHandler(e, &doc))

	query := core.ModeQuery
	s.router.Post("/embed-search", s.embedHandler(e, &query))
}

// embedHandler embeds the request text. A nil fixed mode reads it from the body.
func (s *Server) embedHandler(e memory.Embedder, fixed *core.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EmbedRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			s.writeError(w, r, recallerr.New(recallerr.CodeEmbedderRequestInvalid, "text is required"))
			return
		}

		mode, ok := core.ParseMode(req.Mode)
		if fixed != nil {
			mode, ok = *fixed, true
		}
		if !ok {
			s.writeError(w, r, recallerr.Errorf(recallerr.CodeEmbedderRequestInvalid, "unknown mode %q", req.Mode))
			return
		}

		vector, err := e.Embed(r.Context(), req.Text, mode)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, remote.EmbedResponse{Dim: len(vector), Vector: vector})
	}
}
