package resolver

import "sync"

// Registry remembers, per client file name, the server file name chosen on
// the first chunk so later chunks land in the same file. It lives in memory
// only; a restart starts fresh sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]string
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]string)}
}

// Get returns the server file name recorded for clientName.
func (r *Registry) Get(clientName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.sessions[clientName]
	return name, ok
}

// GetOrCreate returns the recorded name or records the one produced by
// create. The lock is held while create runs, so concurrent first chunks of
// the same file agree on a single name.
func (r *Registry) GetOrCreate(clientName string, create func() (string, error)) (name string, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.sessions[clientName]; ok {
		return name, false, nil
	}

	name, err = create()
	if err != nil {
		return "", false, err
	}
	r.sessions[clientName] = name
	return name, true, nil
}

// Restart records the name produced by create for clientName, replacing
// any earlier session. It is used when chunk 0 arrives again, which starts
// a new upload of that file.
func (r *Registry) Restart(clientName string, create func() (string, error)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, err := create()
	if err != nil {
		return "", err
	}
	r.sessions[clientName] = name
	return name, nil
}

// Len is the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Clear drops every session and returns how many there were.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	r.sessions = make(map[string]string)
	return n
}
