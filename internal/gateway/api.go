package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/basket/missionctl/internal/agent"
	"github.com/basket/missionctl/internal/lifecycle"
	"github.com/basket/missionctl/internal/orchestrator"
	"github.com/basket/missionctl/internal/persistence"
	"github.com/basket/missionctl/internal/shared"
)

type registerAgentRequest struct {
	Name         string              `json:"name"`
	Type         lifecycle.AgentType `json:"type"`
	Capabilities []string            `json:"capabilities"`
	Config       map[string]any      `json:"config"`
	ParentID     string              `json:"parent_id"`
}

type updateAgentRequest struct {
	Name         *string        `json:"name"`
	Capabilities []string       `json:"capabilities"`
	Config       map[string]any `json:"config"`
}

type heartbeatRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type transitionRequest struct {
	Status   lifecycle.AgentStatus `json:"status"`
	Reason   string                `json:"reason"`
	Metadata map[string]any        `json:"metadata"`
}

type controlRequest struct {
	Action lifecycle.ControlAction `json:"action"`
}

type createTaskRequest struct {
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	Priority       string          `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	ParentTaskID   string          `json:"parent_task_id"`
	ConversationID string          `json:"conversation_id"`
}

// agentRequest names the acting agent for task operations.
type agentRequest struct {
	AgentID string `json:"agent_id"`
}

type completeRequest struct {
	AgentID string          `json:"agent_id"`
	Result  json.RawMessage `json:"result"`
}

type failRequest struct {
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if tag := strings.TrimSpace(r.URL.Query().Get("capability")); tag != "" {
		agents, err := s.cfg.Agents.FindByCapability(r.Context(), tag)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": nonNil(agents)})
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	agents, err := s.cfg.Agents.List(r.Context(), persistence.AgentFilter{
		Status: lifecycle.AgentStatus(q.Get("status")),
		Type:   lifecycle.AgentType(q.Get("type")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": nonNil(agents)})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.cfg.Agents.Register(r.Context(), agent.RegisterParams{
		Name:         req.Name,
		Type:         req.Type,
		Capabilities: req.Capabilities,
		Config:       req.Config,
		ParentID:     req.ParentID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.cfg.Agents.Update(r.Context(), r.PathValue("id"), agent.UpdateParams{
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Config:       req.Config,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Agents.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.cfg.Agents.Heartbeat(r.Context(), r.PathValue("id"), req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, lifecycle.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		s.writeError(w, r, lifecycle.Invalidf("unknown status %q", req.Status))
		return
	}
	id := r.PathValue("id")
	found, err := s.cfg.Agents.Transition(r.Context(), id, req.Status, agent.TransitionOptions{
		Reason:   req.Reason,
		Metadata: req.Metadata,
	})
	s.afterTransition(w, r, id, found, err)
}

func (s *Server) handleAgentControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	found, err := s.cfg.Agents.Control(r.Context(), id, req.Action, shared.Actor(r.Context()))
	s.afterTransition(w, r, id, found, err)
}

func (s *Server) handleAgentTransitions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.cfg.Agents.Transitions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": nonNil(history)})
}

// afterTransition answers a transition or control call with the agent's
// new state.
func (s *Server) afterTransition(w http.ResponseWriter, r *http.Request, id string, found bool, err error) {
	switch {
	case err != nil:
		s.writeError(w, r, err)
	case !found:
		s.writeError(w, r, lifecycle.ErrNotFound)
	default:
		s.writeAgent(w, r, id)
	}
}

func (s *Server) writeAgent(w http.ResponseWriter, r *http.Request, id string) {
	a, err := s.cfg.Agents.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	var priority lifecycle.Priority
	if raw := q.Get("priority"); raw != "" {
		if priority, err = lifecycle.ParsePriority(raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	tasks, err := s.cfg.Tasks.List(r.Context(), persistence.TaskFilter{
		Status:   lifecycle.TaskStatus(q.Get("status")),
		AgentID:  q.Get("agent_id"),
		Priority: priority,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(tasks)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	priority, err := lifecycle.ParsePriority(req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Payloads.Validate(req.Payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.cfg.Tasks.Create(r.Context(), orchestrator.CreateParams{
		Title:          req.Title,
		Description:    req.Description,
		Priority:       priority,
		Payload:        req.Payload,
		CreatedBy:      shared.Actor(r.Context()),
		ParentTaskID:   req.ParentTaskID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAgent(w, r)
	if !ok {
		return
	}
	t, err := s.cfg.Tasks.ClaimNext(r.Context(), req.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAgent(w, r)
	if !ok {
		return
	}
	s.writeTask(w, r)(s.cfg.Tasks.Assign(r.Context(), r.PathValue("id"), req.AgentID))
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAgent(w, r)
	if !ok {
		return
	}
	s.writeTask(w, r)(s.cfg.Tasks.Start(r.Context(), r.PathValue("id"), req.AgentID))
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AgentID == "" {
		s.writeError(w, r, lifecycle.Invalidf("agent_id is required"))
		return
	}
	s.writeTask(w, r)(s.cfg.Tasks.Complete(r.Context(), r.PathValue("id"), req.AgentID, req.Result))
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AgentID == "" {
		s.writeError(w, r, lifecycle.Invalidf("agent_id is required"))
		return
	}
	s.writeTask(w, r)(s.cfg.Tasks.Fail(r.Context(), r.PathValue("id"), req.AgentID, req.Error))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.writeTask(w, r)(s.cfg.Tasks.Cancel(r.Context(), r.PathValue("id")))
}

func (s *Server) handleTaskHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAgent(w, r)
	if !ok {
		return
	}
	refreshed, err := s.cfg.Tasks.Heartbeat(r.Context(), r.PathValue("id"), req.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": refreshed})
}

func (s *Server) decodeAgent(w http.ResponseWriter, r *http.Request) (agentRequest, bool) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return req, false
	}
	if req.AgentID == "" {
		s.writeError(w, r, lifecycle.Invalidf("agent_id is required"))
		return req, false
	}
	return req, true
}

// writeTask adapts a queue call's (task, error) pair to a response.
func (s *Server) writeTask(w http.ResponseWriter, r *http.Request) func(*persistence.Task, error) {
	return func(t *persistence.Task, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
