package telephony

import (
	"fmt"
	"sync"
	"time"
)

// ============================================
// CALL REGISTRY
// Live session lookup by internal id and provider call SID
// ============================================

// Registry tracks active call sessions under two keys: the internal
// call id handed to API clients, and the provider call SID that webhooks
// and media streams carry. A provider SID maps to at most one session.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*CallSession
	byProvider map[string]string // provider SID -> internal id
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[string]*CallSession),
		byProvider: make(map[string]string),
	}
}

// Add registers a session under its internal id
func (r *Registry) Add(sess *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[sess.ID]; exists {
		return fmt.Errorf("session %s already registered", sess.ID)
	}
	r.byID[sess.ID] = sess
	return nil
}

// BindProviderSID indexes a session by the provider's call SID. Binding
// a SID that already points at a different live session is an error.
func (r *Registry) BindProviderSID(callID, providerSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[callID]; !exists {
		return fmt.Errorf("session %s not registered", callID)
	}
	if existing, bound := r.byProvider[providerSID]; bound && existing != callID {
		return fmt.Errorf("provider sid %s already bound to session %s", providerSID, existing)
	}
	r.byProvider[providerSID] = callID
	return nil
}

// Get returns the session with the internal id, or nil
func (r *Registry) Get(callID string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[callID]
}

// GetByProviderSID returns the session bound to the provider SID, or nil
func (r *Registry) GetByProviderSID(providerSID string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	callID, ok := r.byProvider[providerSID]
	if !ok {
		return nil
	}
	return r.byID[callID]
}

// Remove drops a session and its provider binding immediately
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(callID)
}

func (r *Registry) removeLocked(callID string) {
	delete(r.byID, callID)
	for sid, id := range r.byProvider {
		if id == callID {
			delete(r.byProvider, sid)
		}
	}
}

// RemoveAfter evicts a session once the grace window has passed, so a
// finished call stays pollable for a while.
func (r *Registry) RemoveAfter(callID string, grace time.Duration) {
	if grace <= 0 {
		r.Remove(callID)
		return
	}
	time.AfterFunc(grace, func() {
		r.Remove(callID)
	})
}

// All returns every tracked session
func (r *Registry) All() []*CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*CallSession, 0, len(r.byID))
	for _, sess := range r.byID {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Len returns the number of tracked sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
