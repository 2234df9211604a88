// Package memory provides an in-memory [graphstore.Store] for tests and local
// development. It enforces the same referential rules as the PostgreSQL
// implementation: edges may only connect nodes that exist.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/podweave/podweave/pkg/graphstore"
)

// Compile-time interface check.
var _ graphstore.Store = (*Store)(nil)

type edgeKey struct {
	source string
	target string
	typ    string
}

// Store is an in-memory property graph. The zero value is not usable; create
// instances via [New]. All operations are safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]graphstore.Node
	edges map[edgeKey]graphstore.Edge
}

// New creates an empty in-memory graph store.
func New() *Store {
	return &Store{
		nodes: make(map[string]graphstore.Node),
		edges: make(map[edgeKey]graphstore.Edge),
	}
}

// UpsertNodes implements [graphstore.Store]. Nodes with an empty ID are
// rejected.
func (s *Store) UpsertNodes(ctx context.Context, nodes []graphstore.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("graphstore: upsert node %q: empty id", n.Label)
		}
		n.Properties = maps.Clone(n.Properties)
		s.nodes[n.ID] = n
	}
	return nil
}

// UpsertEdges implements [graphstore.Store]. An edge referencing a node that
// has not been upserted is rejected, mirroring the foreign-key constraint of
// the PostgreSQL store.
func (s *Store) UpsertEdges(ctx context.Context, edges []graphstore.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		if _, ok := s.nodes[e.SourceID]; !ok {
			return fmt.Errorf("graphstore: upsert edge %s-[%s]->%s: source node missing", e.SourceID, e.Type, e.TargetID)
		}
		if _, ok := s.nodes[e.TargetID]; !ok {
			return fmt.Errorf("graphstore: upsert edge %s-[%s]->%s: target node missing", e.SourceID, e.Type, e.TargetID)
		}
		e.Properties = maps.Clone(e.Properties)
		s.edges[edgeKey{e.SourceID, e.TargetID, e.Type}] = e
	}
	return nil
}

// GetNode implements [graphstore.Store].
func (s *Store) GetNode(ctx context.Context, id string) (*graphstore.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	n.Properties = maps.Clone(n.Properties)
	return &n, nil
}

// FindNodes implements [graphstore.Store].
func (s *Store) FindNodes(ctx context.Context, label string) ([]graphstore.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []graphstore.Node{}
	for _, n := range s.nodes {
		if label != "" && n.Label != label {
			continue
		}
		n.Properties = maps.Clone(n.Properties)
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// EdgesFrom implements [graphstore.Store].
func (s *Store) EdgesFrom(ctx context.Context, sourceID string) ([]graphstore.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []graphstore.Edge{}
	for _, e := range s.edges {
		if e.SourceID != sourceID {
			continue
		}
		e.Properties = maps.Clone(e.Properties)
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TargetID != result[j].TargetID {
			return result[i].TargetID < result[j].TargetID
		}
		return result[i].Type < result[j].Type
	})
	return result, nil
}

// Ping implements [graphstore.Store]. It always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close implements [graphstore.Store]. It is a no-op.
func (s *Store) Close() {}

// NodeCount returns the number of stored nodes.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// EdgeCount returns the number of stored edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}
