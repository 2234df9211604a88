// Package postgres provides a PostgreSQL-backed implementation of
// [graphstore.Store].
//
// Nodes and edges live in two tables, graph_nodes and graph_edges, with
// free-form properties stored as JSONB. Edge identity is the
// (source_id, target_id, edge_type) triple; both endpoints are foreign keys
// into graph_nodes so dangling edges cannot exist. [Migrate] creates the
// schema idempotently and is safe to run on every start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, postgres.Config{
//		URI:      "db.internal:5432",
//		User:     "podweave",
//		Password: "…",
//		Database: "podweave",
//	})
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.UpsertNodes(ctx, nodes)
//	_ = store.UpsertEdges(ctx, edges)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlGraphNodes = `
CREATE TABLE IF NOT EXISTS graph_nodes (
    id          TEXT         PRIMARY KEY,
    label       TEXT         NOT NULL,
    properties  JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_label ON graph_nodes (label);
`

const ddlGraphEdges = `
CREATE TABLE IF NOT EXISTS graph_edges (
    source_id   TEXT         NOT NULL REFERENCES graph_nodes (id) ON DELETE CASCADE,
    target_id   TEXT         NOT NULL REFERENCES graph_nodes (id) ON DELETE CASCADE,
    edge_type   TEXT         NOT NULL,
    properties  JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (source_id, target_id, edge_type)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges (source_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges (target_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_type   ON graph_edges (edge_type);
`

// Migrate creates or ensures the graph tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlGraphNodes, ddlGraphEdges} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("graph store: migrate: %w", err)
		}
	}
	return nil
}
