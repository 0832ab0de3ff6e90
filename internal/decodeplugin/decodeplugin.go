// Package decodeplugin defines the contract a PROPRIETARY-record decoder
// implements (spec.md §6, "Decode plugin contract") and a registry keyed by
// the one-byte sub-tag carried ahead of the payload, replacing the
// original's linked list of decode_plugin_t (spec.md §9).
package decodeplugin

import (
	"fmt"
	"sync"

	"github.com/prelude-ids/manager/internal/idmef"
)

// Plugin decodes a vendor-specific PROPRIETARY payload into the event under
// construction. Run must report exactly how many bytes of payload it
// consumed; the normalizer enforces that this equals the record's declared
// length (spec.md testable property 5).
type Plugin interface {
	// DecodeID is the one-byte sub-tag this plugin answers to.
	DecodeID() uint8
	// Name identifies the plugin for logging.
	Name() string
	// Run consumes payload, mutating event in place, and returns the
	// number of bytes consumed.
	Run(payload []byte, event *idmef.Event) (consumed int, err error)
}

// Registry looks up a Plugin by its DecodeID.
type Registry struct {
	mu      sync.RWMutex
	byID    map[uint8]Plugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint8]Plugin)}
}

// Register adds p, keyed by its DecodeID. Registering a second plugin with
// the same id replaces the first.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.DecodeID()] = p
}

// Lookup returns the plugin registered for id, if any.
func (r *Registry) Lookup(id uint8) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// ErrUnknownDecodeID is returned by normalize.Decoder.Normalize when no
// plugin answers to a PROPRIETARY record's sub-tag.
type ErrUnknownDecodeID struct{ ID uint8 }

func (e ErrUnknownDecodeID) Error() string {
	return fmt.Sprintf("decodeplugin: no plugin registered for decode id %d", e.ID)
}
