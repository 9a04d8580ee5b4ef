package hub

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/topoface/node-supervisor/protocol"
)

// CommandHandler processes a command and writes the response.
type CommandHandler func(ctx context.Context, conn *Connection, cmd *protocol.Command) error

// CommandDefinition defines a command that can be registered with the hub.
type CommandDefinition struct {
	// Verb is the primary command verb (e.g., "NODE").
	Verb string
	// SubVerbs lists valid sub-verbs for this command.
	SubVerbs []string
	// Handler processes the command.
	Handler CommandHandler
	// Description is optional documentation for the command.
	Description string
}

// CommandRegistry maps verbs to handlers.
type CommandRegistry struct {
	mu   sync.RWMutex
	defs map[string]CommandDefinition
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{defs: make(map[string]CommandDefinition)}
}

// Register adds a command and teaches the protocol parser its verbs.
func (r *CommandRegistry) Register(def CommandDefinition) error {
	if def.Verb == "" {
		return errors.New("command verb cannot be empty")
	}
	if def.Handler == nil {
		return errors.Errorf("command %s has no handler", def.Verb)
	}

	def.Verb = strings.ToUpper(def.Verb)
	for i, sv := range def.SubVerbs {
		def.SubVerbs[i] = strings.ToUpper(sv)
	}

	r.mu.Lock()
	r.defs[def.Verb] = def
	r.mu.Unlock()

	protocol.DefaultRegistry.RegisterVerb(def.Verb)
	protocol.DefaultRegistry.RegisterSubVerb(def.SubVerbs...)
	return nil
}

// Dispatch routes a command to its handler.
func (r *CommandRegistry) Dispatch(ctx context.Context, conn *Connection, cmd *protocol.Command) error {
	r.mu.RLock()
	def, ok := r.defs[strings.ToUpper(cmd.Verb)]
	r.mu.RUnlock()

	if !ok {
		return conn.WriteErr(protocol.ErrInvalidCommand,
			"unknown command "+cmd.Verb+", valid: "+strings.Join(r.Verbs(), ", "))
	}
	return def.Handler(ctx, conn, cmd)
}

// HasVerb reports whether a verb is registered.
func (r *CommandRegistry) HasVerb(verb string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[strings.ToUpper(verb)]
	return ok
}

// Verbs returns the registered verbs in sorted order.
func (r *CommandRegistry) Verbs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	verbs := make([]string, 0, len(r.defs))
	for v := range r.defs {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	return verbs
}

// ValidSubVerbs returns the sub-verbs registered for verb.
func (r *CommandRegistry) ValidSubVerbs(verb string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[strings.ToUpper(verb)].SubVerbs
}
