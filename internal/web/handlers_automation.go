package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"zll-bridge/internal/automation"
)

// maxScriptBody bounds script uploads.
const maxScriptBody = 1 << 20

// inlineScriptID runs the posted code instead of a saved script.
const inlineScriptID = "_inline"

// automationView is a script plus whether its VM is currently running.
type automationView struct {
	*automation.Script
	Running bool `json:"running"`
}

type scriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (req scriptRequest) applyTo(sc *automation.Script) {
	sc.Meta.Name = req.Name
	sc.Meta.Description = req.Description
	sc.Meta.Enabled = req.Enabled
	sc.LuaCode = req.LuaCode
}

func (s *Server) automationsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return false
	}
	return true
}

// scriptError maps a manager error to a response.
func (s *Server) scriptError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, automation.ErrScriptNotFound) {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.logger.Error(op, "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

// lookupScript loads the script named by the {id} path value.
func (s *Server) lookupScript(w http.ResponseWriter, r *http.Request) (*automation.Script, bool) {
	if !s.automationsAvailable(w) {
		return nil, false
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "get script", err)
		return nil, false
	}
	return sc, true
}

func (s *Server) decodeScript(w http.ResponseWriter, r *http.Request) (scriptRequest, bool) {
	var req scriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxScriptBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return req, false
	}
	return req, true
}

// saveScript persists sc and brings its VM in line with the enabled flag.
func (s *Server) saveScript(w http.ResponseWriter, op string, sc *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.scriptError(w, op, err)
		return
	}
	if s.autoEngine != nil {
		if saved.Meta.Enabled {
			if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
				s.logger.Error("reload script", "op", op, "id", saved.ID, "err", err)
			}
		} else {
			s.autoEngine.StopScript(saved.ID)
		}
	}
	s.writeJSON(w, status, saved)
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []automationView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.scriptError(w, "list scripts", err)
		return
	}

	var running []string
	if s.autoEngine != nil {
		running = s.autoEngine.Running()
	}
	views := make([]automationView, len(scripts))
	for i, sc := range scripts {
		views[i] = automationView{Script: sc, Running: slices.Contains(running, sc.ID)}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if sc, ok := s.lookupScript(w, r); ok {
		s.writeJSON(w, http.StatusOK, sc)
	}
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	sc := &automation.Script{}
	req.applyTo(sc)
	s.saveScript(w, "create script", sc, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.lookupScript(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	req.applyTo(sc)
	s.saveScript(w, "update script", sc, http.StatusOK)
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.lookupScript(w, r)
	if !ok {
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	s.saveScript(w, "toggle script", sc, http.StatusOK)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.automationsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.scriptError(w, "delete script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automation engine not available")
		return
	}

	id := r.PathValue("id")
	if id != inlineScriptID {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}
	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxScriptBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
