package hud

import (
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"

	"github.com/nanoadmin/subaru-telemetry/internal/config"
	"github.com/nanoadmin/subaru-telemetry/internal/records"
)

// Server exposes State over HTTP: the dashboard's static assets, JSON
// snapshot endpoints, driver/session controls, and the websocket push
// channel, following the platform's existing single-mux server shape.
type Server struct {
	state     *State
	cfg       *config.Config
	webFS     fs.FS
	baseTopic string

	ws *wsHub
}

// NewServer wires state to an HTTP surface. cfg is the live, mutable
// runtime config (for GET/POST /config); webFS serves the dashboard's
// static assets.
func NewServer(state *State, cfg *config.Config, webFS fs.FS, baseTopic string) *Server {
	s := &Server{state: state, cfg: cfg, webFS: webFS, baseTopic: baseTopic, ws: newWSHub()}
	state.SetNotifier(s.ws.broadcastLatest(state, baseTopic))
	return s
}

// Mux builds the HTTP surface's route table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.ws.handleWS)
	mux.HandleFunc("/meta", s.handleMeta)
	mux.HandleFunc("/latest", s.handleLatest)
	mux.HandleFunc("/records", s.handleRecords)
	mux.HandleFunc("/driver", s.handleDriver)
	mux.HandleFunc("/reset-session", s.handleResetSession)
	mux.HandleFunc("/config", s.handleConfig)
	return mux
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	noStore(w)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[hud-http] encode failed: %v", err)
	}
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.state.Meta())
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.state.Latest(s.baseTopic))
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	driver := r.URL.Query().Get("driver")
	if driver == "" {
		_, driver = s.state.Drivers()
	}
	currentSessionID, sessions := s.state.records.DriverSessions(driver)
	writeJSON(w, struct {
		Driver           string                            `json:"driver"`
		CurrentSessionID int                                `json:"current_session_id"`
		Sessions         map[string]records.SessionRecord `json:"sessions"`
	}{driver, currentSessionID, sessions})
}

func (s *Server) handleDriver(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		roster, active := s.state.Drivers()
		writeJSON(w, struct {
			Active string   `json:"active"`
			Roster []string `json:"roster"`
		}{active, roster})

	case http.MethodPost:
		var body struct {
			Driver string `json:"driver"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.state.SetDriver(body.Driver); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "driver": body.Driver})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := s.state.ResetSession()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"session_id": id})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		noStore(w)
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.ApplyPatch(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[hud-http] config save failed: %v", err)
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
