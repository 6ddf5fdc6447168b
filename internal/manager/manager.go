// Package manager implements the Identity Manager (spec §4.E): the
// process-wide map of which identities are currently loaded, their nick
// aliases, and which one is the default. Grounded on the mutex-guarded
// map-of-state shape of the teacher's internal/identity.Manager, narrowed
// from one process-identity to a map keyed by principal.
package manager

import (
	"errors"
	"strings"
	"sync"

	"clawgate/internal/model"
)

var (
	ErrAlreadyLoaded   = errors.New("manager: identity already loaded")
	ErrNotLoaded       = errors.New("manager: identity not loaded")
	ErrDuplicateNick   = errors.New("manager: nick already in use by another loaded identity")
	ErrUnknownNick     = errors.New("manager: no loaded identity has that nick")
	ErrNoDefault       = errors.New("manager: no default identity configured")
)

// State is the per-identity runtime handle the manager tracks alongside its
// key material: its configuration and whatever live status the gateway
// wants to expose through the status IPC command.
type State struct {
	Identity *model.Identity
	Config   model.IdentityConfig
	Loaded   bool
}

// Manager is the process-wide principal -> State map.
type Manager struct {
	mu              sync.RWMutex
	byPrincipal     map[string]*State
	nickToPrincipal map[string]string
	defaultPrincipal string
}

// New builds an empty Manager.
func New() *Manager {
	return &Manager{
		byPrincipal:     make(map[string]*State),
		nickToPrincipal: make(map[string]string),
	}
}

// Load registers ident as loaded under cfg, rejecting a nick collision with
// any other currently loaded identity (spec §4.E "duplicate nick rejection
// at load time", exact case-sensitive match).
func (m *Manager) Load(ident *model.Identity, cfg model.IdentityConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPrincipal[ident.Principal]; ok {
		return ErrAlreadyLoaded
	}
	nick := strings.TrimSpace(cfg.Nick)
	if nick != "" {
		if existing, ok := m.nickToPrincipal[nick]; ok && existing != ident.Principal {
			return ErrDuplicateNick
		}
	}

	m.byPrincipal[ident.Principal] = &State{Identity: ident, Config: cfg, Loaded: true}
	if nick != "" {
		m.nickToPrincipal[nick] = ident.Principal
	}
	if m.defaultPrincipal == "" && cfg.Autoload {
		m.defaultPrincipal = ident.Principal
	}
	return nil
}

// Unload removes a loaded identity, clearing its nick mapping and, if it
// was the default, leaving no default behind (the next Load with
// Autoload=true becomes the new default).
func (m *Manager) Unload(principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.byPrincipal[principal]
	if !ok {
		return ErrNotLoaded
	}
	if nick := strings.TrimSpace(st.Config.Nick); nick != "" {
		delete(m.nickToPrincipal, nick)
	}
	delete(m.byPrincipal, principal)
	if m.defaultPrincipal == principal {
		m.defaultPrincipal = ""
	}
	return nil
}

// List returns every currently loaded identity's state.
func (m *Manager) List() []*State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*State, 0, len(m.byPrincipal))
	for _, st := range m.byPrincipal {
		out = append(out, st)
	}
	return out
}

// GetState returns the loaded state for principal.
func (m *Manager) GetState(principal string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.byPrincipal[principal]
	return st, ok
}

// ResolveNick resolves a nick to its principal (case-sensitive exact match,
// spec §4.E).
func (m *Manager) ResolveNick(nick string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	principal, ok := m.nickToPrincipal[nick]
	if !ok {
		return "", ErrUnknownNick
	}
	return principal, nil
}

// Resolve accepts either a principal (returned unchanged, if loaded) or a
// nick, and returns the resolved principal.
func (m *Manager) Resolve(principalOrNick string) (string, error) {
	m.mu.RLock()
	if _, ok := m.byPrincipal[principalOrNick]; ok {
		m.mu.RUnlock()
		return principalOrNick, nil
	}
	m.mu.RUnlock()
	return m.ResolveNick(principalOrNick)
}

// Default returns the default identity's principal, chosen as the first
// Autoload=true identity Load saw (spec §4.E).
func (m *Manager) Default() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.defaultPrincipal == "" {
		return "", ErrNoDefault
	}
	return m.defaultPrincipal, nil
}
