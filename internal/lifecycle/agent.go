// Package lifecycle holds the agent and task state machines and the
// domain errors raised when an operation violates them.
package lifecycle

import "slices"

// AgentStatus is a node in the agent lifecycle graph.
type AgentStatus string

const (
	AgentIdle         AgentStatus = "IDLE"
	AgentInitializing AgentStatus = "INITIALIZING"
	AgentReady        AgentStatus = "READY"
	AgentBusy         AgentStatus = "BUSY"
	AgentPaused       AgentStatus = "PAUSED"
	AgentError        AgentStatus = "ERROR"
	AgentShuttingDown AgentStatus = "SHUTTING_DOWN"
	AgentOffline      AgentStatus = "OFFLINE"
)

// AgentStatuses lists every agent status in declaration order.
var AgentStatuses = []AgentStatus{
	AgentIdle, AgentInitializing, AgentReady, AgentBusy,
	AgentPaused, AgentError, AgentShuttingDown, AgentOffline,
}

var agentEdges = map[AgentStatus][]AgentStatus{
	AgentIdle:         {AgentInitializing},
	AgentInitializing: {AgentReady, AgentError},
	AgentReady:        {AgentBusy, AgentPaused, AgentShuttingDown},
	AgentBusy:         {AgentReady, AgentError, AgentPaused},
	AgentPaused:       {AgentReady, AgentBusy, AgentShuttingDown},
	AgentError:        {AgentInitializing, AgentShuttingDown},
	AgentShuttingDown: {AgentOffline},
	AgentOffline:      {AgentInitializing},
}

// Liveness edges are taken only by the system: the heartbeat monitor marks
// silent agents offline and a heartbeat from an offline agent revives it.
// They are not reachable through an operator transition.
var livenessEdges = map[AgentStatus][]AgentStatus{
	AgentReady:   {AgentOffline},
	AgentBusy:    {AgentOffline},
	AgentOffline: {AgentReady},
}

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	_, ok := agentEdges[s]
	return ok
}

// Allowed returns the statuses an operator may move an agent to from s.
// The returned slice is a copy.
func Allowed(from AgentStatus) []AgentStatus {
	return slices.Clone(agentEdges[from])
}

// CanTransition reports whether from -> to is an operator edge.
func CanTransition(from, to AgentStatus) bool {
	return slices.Contains(agentEdges[from], to)
}

// CanTransitionLiveness reports whether from -> to is a system liveness edge.
func CanTransitionLiveness(from, to AgentStatus) bool {
	return slices.Contains(livenessEdges[from], to)
}

// StaleCandidate reports whether an agent in status s is subject to
// heartbeat timeout.
func (s AgentStatus) StaleCandidate() bool {
	return s == AgentReady || s == AgentBusy
}

// Matchable reports whether an agent in status s can be offered new work.
func (s AgentStatus) Matchable() bool {
	return s == AgentReady || s == AgentIdle
}

// AgentType classifies an agent within the hierarchy.
type AgentType string

const (
	AgentTypeMain     AgentType = "MAIN"
	AgentTypeSubagent AgentType = "SUBAGENT"
	AgentTypeWorker   AgentType = "WORKER"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeMain, AgentTypeSubagent, AgentTypeWorker:
		return true
	}
	return false
}

// ControlAction is an operator command mapped onto a lifecycle edge.
type ControlAction string

const (
	ControlPause   ControlAction = "pause"
	ControlResume  ControlAction = "resume"
	ControlRestart ControlAction = "restart"
	ControlStop    ControlAction = "stop"
)

// Target returns the status an action drives the agent to.
func (a ControlAction) Target() (AgentStatus, bool) {
	switch a {
	case ControlPause:
		return AgentPaused, true
	case ControlResume:
		return AgentReady, true
	case ControlRestart:
		return AgentInitializing, true
	case ControlStop:
		return AgentShuttingDown, true
	}
	return "", false
}
