// Package memory provides helpers for describing memory: pointers encoded
// for a target platform, and tables of symbol addresses.
//
// This API is heavily influenced by the 'pwntools' Python library,
// and the 'pwn' Go library by Tnze.
//
// # Pointers
//
// A PointerMaker turns addresses into the raw bytes a target would store
// in memory (and back again). This is useful when building heap spray
// fills or overflow payloads that must land a specific address in a
// specific field of a victim object.
//
// # Address tables
//
// An AddressTable tracks symbol addresses for one or more contexts, such
// as a local test build and a remote target. Targets in this module use
// the same type as their symbol table, so AddressTable also supports
// reverse lookups from an address to a symbol name.
package memory
