package client

import "time"

// Status mirrors GET /status.
type Status struct {
	App               string       `json:"app"`
	PID               int          `json:"pid"`
	Remote            string       `json:"remote"`
	Connection        string       `json:"connection"`
	EverConnected     bool         `json:"ever_connected"`
	ConnectAttempts   int          `json:"connect_attempts"`
	MaxConnectAttempt int          `json:"max_connect_attempt"`
	LastResponsive    time.Time    `json:"last_responsive"`
	SilenceSeconds    float64      `json:"silence_seconds"`
	LastRestart       time.Time    `json:"last_restart,omitempty"`
	UnstableRestarts  int          `json:"unstable_restarts"`
	MaxRestartAttempt int          `json:"max_restart_attempt"`
	FinalAlert        bool         `json:"final_alert"`
	ShutDown          bool         `json:"shut_down"`
	Restarting        bool         `json:"restarting"`
	Supervising       bool         `json:"supervising"`
	Started           time.Time    `json:"started"`
	Signals           int          `json:"signals"`
	Archive           ArchiveStats `json:"archive"`
}

type ArchiveStats struct {
	Since        time.Time `json:"since"`
	LastArchived time.Time `json:"last_archived,omitempty"`
	LastMode     string    `json:"last_mode,omitempty"`
	LastPath     string    `json:"last_path,omitempty"`
	NoOfArchived int       `json:"archived"`
	PendingStart int       `json:"pending_starts"`
}

// Signal mirrors one entry of GET /signals.
type Signal struct {
	Index    int       `json:"index"`
	Value    byte      `json:"value"`
	Busy     bool      `json:"busy"`
	LastIdle time.Time `json:"last_idle,omitempty"`
}

// Event mirrors one entry of GET /events.
type Event struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Error   bool      `json:"error"`
}

// CommandRequest is the body of POST /command.
type CommandRequest struct {
	Line string `json:"line"`
}

// CommandResult mirrors the POST /command response.
type CommandResult struct {
	Command     string   `json:"command"`
	Output      string   `json:"output,omitempty"`
	Error       string   `json:"error,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
