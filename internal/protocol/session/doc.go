// Package session owns the record-layer session context of each peer:
// outbound sequencing and segmentation, inbound reassembly, and the
// timeout sweep that drops stale reassembly buffers.
//
// Peer state lives in an arena map. The arena lock only guards lookup and
// insert; each peer is mutated under its own lock so that peers never
// contend with each other.
package session
