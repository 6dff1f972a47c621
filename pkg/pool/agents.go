package pool

import (
	"os/exec"
	"sort"
	"sync"

	"foreman/pkg/protocol"
)

// AgentSpec describes one installable agent binary and the session modes it
// advertises support for.
type AgentSpec struct {
	ID     string                 `json:"id"`
	Binary string                 `json:"binary"`
	Modes  []protocol.SessionMode `json:"modes"`
}

// SupportsMode reports whether the agent advertises the given mode.
func (a AgentSpec) SupportsMode(mode protocol.SessionMode) bool {
	for _, m := range a.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// AgentInfo is the availability-annotated form returned to clients.
type AgentInfo struct {
	AgentSpec
	Available bool `json:"available"`
}

// Catalog holds the known agents. Availability is probed at call time so a
// freshly installed binary shows up without an engine restart.
type Catalog struct {
	mu     sync.Mutex
	agents map[string]AgentSpec

	// lookPath allows tests to fake binary resolution.
	lookPath func(string) (string, error)
}

// NewCatalog creates a catalog seeded with the default agents.
func NewCatalog() *Catalog {
	c := &Catalog{
		agents:   make(map[string]AgentSpec),
		lookPath: exec.LookPath,
	}
	c.Add(AgentSpec{
		ID:     "claude",
		Binary: "claude",
		Modes: []protocol.SessionMode{
			protocol.ModeDefault, protocol.ModeAcceptEdits, protocol.ModePlan,
			protocol.ModeDontAsk, protocol.ModeBypassPermissions,
		},
	})
	return c
}

// Add registers or replaces an agent spec.
func (c *Catalog) Add(spec AgentSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[spec.ID] = spec
}

// Lookup resolves an agent id, verifying its binary is on PATH. A missing
// binary is AgentUnavailableError so creation fails before any spawn.
func (c *Catalog) Lookup(id string) (AgentSpec, error) {
	c.mu.Lock()
	spec, ok := c.agents[id]
	look := c.lookPath
	c.mu.Unlock()

	if !ok {
		return AgentSpec{}, &protocol.AgentUnavailableError{AgentID: id, Reason: "unknown agent"}
	}
	if _, err := look(spec.Binary); err != nil {
		return AgentSpec{}, &protocol.AgentUnavailableError{AgentID: id, Reason: "binary " + spec.Binary + " not found"}
	}
	return spec, nil
}

// Get returns an agent spec without probing binary availability.
func (c *Catalog) Get(id string) (AgentSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spec, ok := c.agents[id]
	return spec, ok
}

// List returns all known agents with availability, sorted by id.
func (c *Catalog) List() []AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]AgentInfo, 0, len(c.agents))
	for _, spec := range c.agents {
		_, err := c.lookPath(spec.Binary)
		out = append(out, AgentInfo{AgentSpec: spec, Available: err == nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
