// Package parser turns fetched listing pages into normalized records using a
// target's field mapping. Parsing is deterministic and performs no I/O.
package parser
