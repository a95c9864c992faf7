// Package debug implements the symbol collaborators the resolver needs on
// Linux: a module map read from /proc/<pid>/maps, an API resolver over the
// ELF dynamic symbol tables of the loaded modules and a debug symbol lookup
// over their symbol tables and DWARF data.
//
// Addresses handed out by this package are runtime addresses in the traced
// process. The load bias of each module is derived from its first file
// mapping and its lowest PT_LOAD segment.
package debug
