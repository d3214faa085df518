package engine

import (
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"

	"github.com/nexus-trading/heaven-engine/internal/bundler"
)

// ControlHandler serves the operator control plane under /control/.
func (s *Supervisor) ControlHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /control/pause", func(w http.ResponseWriter, _ *http.Request) {
		s.Stop()
		log.Warn().Msg("engine: paused by operator, no new ticks")
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
	})
	mux.HandleFunc("POST /control/resume", func(w http.ResponseWriter, _ *http.Request) {
		s.Start()
		log.Info().Msg("engine: resumed by operator")
		writeJSON(w, http.StatusOK, map[string]any{"running": true})
	})
	// kill stops new entries and closes everything; the position monitor
	// and bundler keep running so the closes land.
	mux.HandleFunc("POST /control/kill", func(w http.ResponseWriter, r *http.Request) {
		for _, name := range []string{SubsystemScanner, SubsystemCopyTrade} {
			if _, ok := s.ticks[name]; ok {
				_ = s.SetEnabled(name, false)
			}
		}
		closing := 0
		if s.c.Positions != nil {
			closing = s.c.Positions.CloseAll(r.Context())
		}
		log.Error().Int("closing", closing).Msg("engine: KILL SWITCH, closing all positions")
		writeJSON(w, http.StatusOK, map[string]any{"subsystems": s.Subsystems(), "closing": closing})
	})
	mux.HandleFunc("POST /control/subsystems/{name}/{action}", func(w http.ResponseWriter, r *http.Request) {
		var on bool
		switch r.PathValue("action") {
		case "start":
			on = true
		case "stop":
		default:
			http.Error(w, "action must be start or stop", http.StatusBadRequest)
			return
		}
		if err := s.SetEnabled(r.PathValue("name"), on); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s.Subsystems())
	})
	mux.HandleFunc("GET /control/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Status(r.Context()))
	})
	mux.HandleFunc("GET /control/subsystems", func(w http.ResponseWriter, _ *http.Request) {
		names := s.subsystemNames()
		out := make([]map[string]any, 0, len(names))
		for _, name := range names {
			out = append(out, map[string]any{"name": name, "enabled": s.Enabled(name)})
		}
		writeJSON(w, http.StatusOK, out)
	})
	mux.HandleFunc("GET /control/positions", func(w http.ResponseWriter, r *http.Request) {
		if s.c.Positions == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, s.c.Positions.Snapshot())
	})
	mux.HandleFunc("GET /control/traders", func(w http.ResponseWriter, r *http.Request) {
		if s.c.Tracker == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, s.c.Tracker.Traders())
	})
	mux.HandleFunc("GET /control/bundles", func(w http.ResponseWriter, r *http.Request) {
		if s.c.Bundler == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Pending []bundler.View   `json:"pending"`
			Active  []bundler.View   `json:"active"`
			History []bundler.Result `json:"history"`
			Stats   bundler.Stats    `json:"stats"`
		}{
			Pending: s.c.Bundler.Pending(),
			Active:  s.c.Bundler.Active(),
			History: s.c.Bundler.History(),
			Stats:   s.c.Bundler.Stats(),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
