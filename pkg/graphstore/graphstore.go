// Package graphstore defines the property-graph persistence contract used by
// the seeding pipeline.
//
// A graph is modeled as labeled nodes and directed, typed edges, both carrying
// free-form JSON-compatible properties. All writes are idempotent: upserting a
// node whose ID already exists replaces its label and properties, and
// upserting an edge whose (source, target, type) triple already exists
// replaces its properties. Writing the same payload twice therefore converges
// to the same graph state as writing it once.
//
// Two implementations ship with this module: a PostgreSQL-backed store in the
// postgres subpackage and an in-memory store in the memory subpackage for
// tests and local development.
package graphstore

import "context"

// Node is a single vertex in the property graph.
type Node struct {
	// ID uniquely identifies the node across all labels.
	ID string

	// Label is the node's kind, e.g. "Episode", "MeaningfulUnit", "Theme".
	// Canonical entity nodes carry their resolved entity type as the label.
	Label string

	// Properties holds the node's attributes. Values must be
	// JSON-serializable.
	Properties map[string]any
}

// Edge is a directed, typed connection between two nodes. Its identity is the
// (SourceID, TargetID, Type) triple.
type Edge struct {
	SourceID string
	TargetID string
	Type     string

	// Properties holds the edge's attributes. Values must be
	// JSON-serializable.
	Properties map[string]any
}

// Store is the property-graph persistence contract. Implementations must be
// safe for concurrent use.
type Store interface {
	// UpsertNodes writes nodes in order, replacing the label and properties
	// of any node whose ID already exists.
	UpsertNodes(ctx context.Context, nodes []Node) error

	// UpsertEdges writes edges in order, replacing the properties of any
	// edge whose (source, target, type) triple already exists. Both
	// endpoints must exist as nodes.
	UpsertEdges(ctx context.Context, edges []Edge) error

	// GetNode retrieves a node by ID. Returns (nil, nil) when the node does
	// not exist.
	GetNode(ctx context.Context, id string) (*Node, error)

	// FindNodes returns all nodes carrying the given label, ordered by ID.
	// An empty label returns every node.
	FindNodes(ctx context.Context, label string) ([]Node, error)

	// EdgesFrom returns all outgoing edges of the given source node, ordered
	// by target ID then edge type.
	EdgesFrom(ctx context.Context, sourceID string) ([]Edge, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close()
}
