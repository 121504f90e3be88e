// Package proto holds the wire-level data model shared by every package in
// this module: handles, paths, port attributes and the structures that
// travel across the CONNECT_PORTS / STRUCTURE_* / PORT_VALUE_CHANGE opcodes.
package proto

import "strings"

// Handle is an opaque identifier issued by the local runtime for each
// framework element (port, connector, etc). Wire messages carry handles;
// mapping a handle to the local object is a pure lookup, never something
// this module computes.
type Handle uint32

// InvalidHandle is returned by lookups that found nothing.
const InvalidHandle Handle = 0

// Path is an ordered sequence of name segments identifying a port in a
// runtime's tree. A Path may be authority-qualified: Authority is the name
// of the peer that owns the path, and is empty for same-peer paths.
type Path struct {
	Authority string
	Segments  []string
}

func (p Path) String() string {
	s := strings.Join(p.Segments, "/")
	if p.Authority != "" {
		return p.Authority + ":" + s
	}
	return s
}

// Equal reports whether p and o name the same port.
func (p Path) Equal(o Path) bool {
	if p.Authority != o.Authority || len(p.Segments) != len(o.Segments) {
		return false
	}
	for i := range p.Segments {
		if p.Segments[i] != o.Segments[i] {
			return false
		}
	}
	return true
}
