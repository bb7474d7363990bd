// Package segment coalesces recognised words into speaker segments.
package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator issues segment ids of the form "<session>-seg-<n>".
type Generator struct {
	prefix  string
	counter uint64
}

// NewGenerator returns a generator scoped to one session.
func NewGenerator(sessionID string) *Generator {
	return &Generator{prefix: sessionID}
}

// Next returns the next id.
func (g *Generator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-seg-%d", g.prefix, n)
}
