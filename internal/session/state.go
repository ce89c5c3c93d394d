package session

import (
	"encoding/json"
	"strings"
	"time"
)

// NotebookID uniquely identifies an open notebook, normally its path
// relative to the server root.
type NotebookID string

type KernelStatus int

const (
	Unknown KernelStatus = iota
	Starting
	Idle
	Busy
	Dead
)

var statusNames = map[KernelStatus]string{
	Unknown:  "unknown",
	Starting: "starting",
	Idle:     "idle",
	Busy:     "busy",
	Dead:     "dead",
}

var statusFromName = map[string]KernelStatus{
	"unknown":  Unknown,
	"starting": Starting,
	"idle":     Idle,
	"busy":     Busy,
	"dead":     Dead,
}

func (s KernelStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s KernelStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *KernelStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = statusFromName[name]
	return nil
}

// ParseKernelStatus maps a Jupyter execution_state onto a KernelStatus.
// Restart states count as starting; anything unrecognised is Unknown.
func ParseKernelStatus(state string) KernelStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "starting", "restarting", "autorestarting":
		return Starting
	case "idle":
		return Idle
	case "busy":
		return Busy
	case "dead":
		return Dead
	}
	return Unknown
}

// Snapshot is a point-in-time capture of a notebook's session. Snapshots are
// values: every refresh produces a new one which is compared to the stored
// one with Equal.
type Snapshot struct {
	SessionID  string       `json:"sessionId,omitempty"`
	Status     KernelStatus `json:"status"`
	CapturedAt time.Time    `json:"capturedAt"`
}

// Equal compares snapshots by content. CapturedAt is deliberately excluded
// so identical polls at different times compare equal.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.SessionID == o.SessionID && s.Status == o.Status
}

// HasSession reports whether a compute session is bound.
func (s Snapshot) HasSession() bool {
	return s.SessionID != ""
}

// Notebook describes an open notebook as reported by the notebook tracker.
type Notebook struct {
	ID   NotebookID `json:"id"`
	Path string     `json:"path"`
	Name string     `json:"name,omitempty"`
}

// TrackedNotebook is a notebook under session observation.
type TrackedNotebook struct {
	Notebook
	Snapshot  Snapshot  `json:"snapshot"`
	Active    bool      `json:"active"`
	TrackedAt time.Time `json:"trackedAt"`
}

// SessionID returns the bound session id, or "" when none is bound.
func (t TrackedNotebook) SessionID() string {
	return t.Snapshot.SessionID
}
