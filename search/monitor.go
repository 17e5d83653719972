package search

import (
	"github.com/poiesic/convmem/core"
	"github.com/poiesic/convmem/storage"
)

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to trace queries and their results.
type SearchMonitor interface {
	Start(sessionID, query string, limit int)
	AfterBackendQuery(kind storage.Kind, matches []core.Match)
	Finish(matches []core.Match, err error)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_, _ string, _ int)                       {}
func (n *noopMonitor) AfterBackendQuery(_ storage.Kind, _ []core.Match) {}
func (n *noopMonitor) Finish(_ []core.Match, _ error)                 {}
