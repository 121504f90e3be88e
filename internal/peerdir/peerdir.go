// Package peerdir keeps per-connection peer identity learned from
// PEER_INFO messages (spec.md §4.3 "PEER_INFO. Not handled here; subclass
// hook.", §A.3). It intentionally stops at identity: address-level
// discovery and routing are delegated to the transport plugin per
// spec.md §1 Non-goals.
//
// Adapted from internal/meshage's network/effectiveNetwork bookkeeping in
// the teacher repo, narrowed to the single concern this core owns.
package peerdir

import (
	"sync"

	"github.com/google/uuid"
)

// PeerType mirrors the original tPeerInfo.peer_type discriminator.
type PeerType uint8

const (
	PeerTypeUnknown PeerType = iota
	PeerTypeFullNode
	PeerTypeToolOnly
)

// Info is one peer's advertised identity.
type Info struct {
	// UUID distinguishes a restarted peer that reused its Name from the
	// peer it replaced; the wire protocol's own restart counter (§3
	// Message.Instance in the intake queue sense) only orders messages
	// within one incarnation, it does not identify the incarnation.
	UUID      uuid.UUID
	Type      PeerType
	Name      string
	Addresses []string
}

// Directory is the set of peer identities currently known over any
// connection this plugin instance owns.
type Directory struct {
	mu    sync.RWMutex
	byName map[string]Info
}

func NewDirectory() *Directory {
	return &Directory{byName: make(map[string]Info)}
}

// Observe records (or updates) a peer's advertised identity. Returns true
// if this is a new incarnation of a previously known name (different
// UUID) — callers use that to decide whether cached remote-port state for
// the old incarnation must be dropped.
func (d *Directory) Observe(info Info) (newIncarnation bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.byName[info.Name]
	newIncarnation = ok && prev.UUID != info.UUID
	d.byName[info.Name] = info
	return newIncarnation
}

func (d *Directory) Lookup(name string) (Info, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.byName[name]
	return info, ok
}

func (d *Directory) Forget(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byName, name)
}

func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.byName))
	for n := range d.byName {
		names = append(names, n)
	}
	return names
}
