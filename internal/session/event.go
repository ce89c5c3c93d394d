package session

// Change carries a notebook's new snapshot to subscribers.
type Change struct {
	Notebook NotebookID `json:"notebook"`
	Path     string     `json:"path"`
	Snapshot Snapshot   `json:"snapshot"`
	Previous Snapshot   `json:"previous"`
	// Ended is set when a previously observed session id was cleared
	// because the session manager no longer knows the session.
	Ended bool `json:"ended,omitempty"`
}
