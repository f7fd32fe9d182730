// Package heapsim simulates a process heap as a flat, byte-addressable
// region with size-class free lists.
//
// Chunks are carved from the region with a bump pointer and recycled in
// LIFO order per size class, which mirrors the behaviour of glibc's tcache
// and the Linux SLUB allocator closely enough to make heap grooming and
// spraying deterministic. Memory is never unmapped, and reads and writes
// are checked against the mapped region only - not against chunk state.
// A freed chunk's bytes therefore stay readable and writable, which is
// how a use-after-free is expressed without touching Go memory unsafely.
//
// Freed chunks store the address of the next free chunk of the same size
// class in their first eight bytes, exactly where a dangling object's
// first field would be.
package heapsim
