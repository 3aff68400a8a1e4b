// Package machineid resolves this process's machine identity and bus
// scope, used to build the key-expression prefixes every topic this
// daemon owns is rooted under: bubbaloop/{scope}/{machine}/...
package machineid

import (
	"os"
	"strings"
)

// Resolve returns the machine identifier: BUBBALOOP_MACHINE_ID if set,
// else the host's hostname, with every "-" converted to "_" so the
// result is legal inside a bus key expression segment.
func Resolve() string {
	id := os.Getenv("BUBBALOOP_MACHINE_ID")
	if id == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "unknown"
		}
		id = hostname
	}
	return strings.ReplaceAll(id, "-", "_")
}

// Scope returns the bus scope: BUBBALOOP_SCOPE if set, else "local".
func Scope() string {
	if s := os.Getenv("BUBBALOOP_SCOPE"); s != "" {
		return s
	}
	return "local"
}
