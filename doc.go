// Package uafkit provides lab targets and tooling for practicing
// use-after-free exploitation.
//
// The choir and ghost packages implement the vulnerable services, the
// heapsim package implements the allocators they sit on, and the
// remaining subpackages provide the tooling used to attack them.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package uafkit
