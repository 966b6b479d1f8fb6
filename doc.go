// Package rendergrid drives a cluster of rendering processes through a
// four-level hierarchy (node, pipe, window, channel) to cooperatively
// produce a single image stream in real time.
//
// A Server process owns the canonical Config: which hosts participate,
// which GPUs and windows they expose, how the frame is decomposed across
// channels. One Node process per configured host executes the drawing
// work dispatched to its channels and owns local OpenGL state.
//
// ## How it works
//
// Both the server and every render node embed the net substrate: a
// Connection (reliable byte pipe) to each peer, multiplexed by a
// ConnectionSet and driven by a per-process receiver thread that
// dispatches incoming packets to sessions, objects or the node itself.
//
// On top of that substrate, a Session groups versioned Objects: FrameData
// (per-frame camera and draw parameters) is one such object, mastered on
// the server and mapped as a read-only replica on every render node.
// Barriers, themselves Objects, provide the N-party rendezvous needed for
// swap-locked windows.
//
// The frame pipeline controller walks the hierarchy once per frame,
// committing FrameData, sending FRAME_START, waiting on FRAME_FINISH
// subject to a latency window, so more than one frame can be in flight.
//
// ## Design Principles
//
// Ownership is single-parent: every hierarchy entity belongs to exactly
// one parent, and cross-hierarchy references (a window pointing at its
// swap-group barrier) are relations resolved through a registry keyed by
// id, not shared pointers. Connections are the one true shared-ownership
// case, since both a sender and the receiver thread hold them. They carry
// no reference count: closing a Connection closes it for every holder.
//
// There is no ambient thread-local node pointer: every function that
// needs the local node receives it as a parameter. Only the CLI
// entrypoint keeps a handle for convenience.
package rendergrid
