package nodemanager

import (
	"context"
	"fmt"

	"github.com/kornia-rs/bubbaloop/internal/manifest"
)

// AddRequest is one entry of a batch AddNode call.
type AddRequest struct {
	Path           string `json:"node_path"`
	NameOverride   string `json:"name,omitempty"`
	ConfigOverride string `json:"config,omitempty"`
}

type batchEntry struct {
	req      AddRequest
	index    int
	manifest *manifest.Manifest
	name     string
}

// AddNodeBatch registers a batch of nodes in dependency order: an entry
// whose manifest lists depends_on names that resolve to other entries in
// the same batch is registered after them. Dependencies outside the
// batch are assumed already registered. A dependency cycle fails every
// entry on the cycle and every entry that depends on one, directly or
// transitively; the rest of the batch still proceeds.
func (m *Manager) AddNodeBatch(ctx context.Context, reqs []AddRequest) []CommandResult {
	results := make([]CommandResult, len(reqs))

	byName := make(map[string]*batchEntry, len(reqs))
	var entries []*batchEntry
	for i, req := range reqs {
		mf, err := manifest.Load(req.Path)
		if err != nil {
			results[i] = CommandResult{Success: false, Message: err.Error()}
			continue
		}
		name := req.NameOverride
		if name == "" {
			name = mf.Name
		}
		e := &batchEntry{req: req, index: i, manifest: mf, name: name}
		byName[name] = e
		entries = append(entries, e)
	}

	sorted, cyclic := orderByDependencies(entries, byName)
	for _, e := range cyclic {
		results[e.index] = CommandResult{Success: false, Message: fmt.Sprintf("dependency cycle involving %q", e.name)}
	}
	for _, e := range sorted {
		results[e.index] = m.addNode(ctx, e.req.Path, e.req.NameOverride, e.req.ConfigOverride)
	}
	return results
}

// orderByDependencies is a Kahn walk over the in-batch depends_on edges.
// Entries left with a nonzero in-degree at the end are on a cycle or
// depend on an entry that is.
func orderByDependencies(entries []*batchEntry, byName map[string]*batchEntry) (sorted, cyclic []*batchEntry) {
	indegree := make(map[*batchEntry]int, len(entries))
	dependents := make(map[*batchEntry][]*batchEntry, len(entries))
	for _, e := range entries {
		indegree[e] += 0
		for _, dep := range e.manifest.DependsOn {
			if d, ok := byName[dep]; ok && d != e {
				indegree[e]++
				dependents[d] = append(dependents[d], e)
			}
		}
	}

	var ready []*batchEntry
	for _, e := range entries {
		if indegree[e] == 0 {
			ready = append(ready, e)
		}
	}
	for len(ready) > 0 {
		e := ready[0]
		ready = ready[1:]
		sorted = append(sorted, e)
		for _, dep := range dependents[e] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(sorted) < len(entries) {
		done := make(map[*batchEntry]bool, len(sorted))
		for _, e := range sorted {
			done[e] = true
		}
		for _, e := range entries {
			if !done[e] {
				cyclic = append(cyclic, e)
			}
		}
	}
	return sorted, cyclic
}
