package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/podweave/podweave/pkg/graphstore"
)

// Compile-time interface check.
var _ graphstore.Store = (*Store)(nil)

// Config holds the connection settings for the PostgreSQL graph store.
type Config struct {
	// URI is the server address: either a full postgres:// URL or a bare
	// host[:port].
	URI string

	// User and Password fill in credentials when URI does not carry them.
	User     string
	Password string

	// Database names the target database when URI does not carry one.
	Database string
}

// DSN assembles a postgres:// connection URL from the config. Credentials and
// database name present in URI take precedence over the dedicated fields.
func (c Config) DSN() string {
	uri := c.URI
	if uri == "" {
		uri = "localhost:5432"
	}
	if !strings.Contains(uri, "://") {
		uri = "postgres://" + uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if u.User == nil && c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	if strings.Trim(u.Path, "/") == "" && c.Database != "" {
		u.Path = "/" + c.Database
	}
	return u.String()
}

// Store is a PostgreSQL-backed property graph over a single [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database described by cfg, verifies the connection
// with a ping, and runs [Migrate] to ensure the graph tables exist.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("graph store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("graph store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("graph store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// UpsertNodes implements [graphstore.Store]. Each node is written with an
// INSERT … ON CONFLICT upsert that replaces label and properties and
// refreshes updated_at.
func (s *Store) UpsertNodes(ctx context.Context, nodes []graphstore.Node) error {
	const q = `
		INSERT INTO graph_nodes (id, label, properties, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET
		    label      = EXCLUDED.label,
		    properties = EXCLUDED.properties,
		    updated_at = now()`

	for _, n := range nodes {
		propsJSON, err := json.Marshal(emptyMap(n.Properties))
		if err != nil {
			return fmt.Errorf("graph store: marshal node %q properties: %w", n.ID, err)
		}
		if _, err := s.pool.Exec(ctx, q, n.ID, n.Label, propsJSON); err != nil {
			return fmt.Errorf("graph store: upsert node %q: %w", n.ID, err)
		}
	}
	return nil
}

// UpsertEdges implements [graphstore.Store]. Each edge is written with an
// INSERT … ON CONFLICT upsert keyed by (source, target, type). The foreign-key
// constraints reject edges whose endpoints have not been upserted.
func (s *Store) UpsertEdges(ctx context.Context, edges []graphstore.Edge) error {
	const q = `
		INSERT INTO graph_edges (source_id, target_id, edge_type, properties, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (source_id, target_id, edge_type) DO UPDATE SET
		    properties = EXCLUDED.properties`

	for _, e := range edges {
		propsJSON, err := json.Marshal(emptyMap(e.Properties))
		if err != nil {
			return fmt.Errorf("graph store: marshal edge %s-[%s]->%s properties: %w", e.SourceID, e.Type, e.TargetID, err)
		}
		if _, err := s.pool.Exec(ctx, q, e.SourceID, e.TargetID, e.Type, propsJSON); err != nil {
			return fmt.Errorf("graph store: upsert edge %s-[%s]->%s: %w", e.SourceID, e.Type, e.TargetID, err)
		}
	}
	return nil
}

// GetNode implements [graphstore.Store]. Returns (nil, nil) when the node
// does not exist.
func (s *Store) GetNode(ctx context.Context, id string) (*graphstore.Node, error) {
	const q = `
		SELECT id, label, properties
		FROM   graph_nodes
		WHERE  id = $1`

	var (
		n         graphstore.Node
		propsJSON []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&n.ID, &n.Label, &propsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("graph store: get node %q: %w", id, err)
	}
	if err := json.Unmarshal(propsJSON, &n.Properties); err != nil {
		return nil, fmt.Errorf("graph store: unmarshal node %q properties: %w", id, err)
	}
	return &n, nil
}

// FindNodes implements [graphstore.Store]. An empty label returns every node.
func (s *Store) FindNodes(ctx context.Context, label string) ([]graphstore.Node, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if label == "" {
		const q = `
			SELECT id, label, properties
			FROM   graph_nodes
			ORDER  BY id`
		rows, err = s.pool.Query(ctx, q)
	} else {
		const q = `
			SELECT id, label, properties
			FROM   graph_nodes
			WHERE  label = $1
			ORDER  BY id`
		rows, err = s.pool.Query(ctx, q, label)
	}
	if err != nil {
		return nil, fmt.Errorf("graph store: find nodes: %w", err)
	}
	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: find nodes: %w", err)
	}
	return nodes, nil
}

// EdgesFrom implements [graphstore.Store].
func (s *Store) EdgesFrom(ctx context.Context, sourceID string) ([]graphstore.Edge, error) {
	const q = `
		SELECT source_id, target_id, edge_type, properties
		FROM   graph_edges
		WHERE  source_id = $1
		ORDER  BY target_id, edge_type`

	rows, err := s.pool.Query(ctx, q, sourceID)
	if err != nil {
		return nil, fmt.Errorf("graph store: edges from %q: %w", sourceID, err)
	}
	edges, err := collectEdges(rows)
	if err != nil {
		return nil, fmt.Errorf("graph store: edges from %q: %w", sourceID, err)
	}
	return edges, nil
}

// Ping implements [graphstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("graph store: ping: %w", err)
	}
	return nil
}

// Close implements [graphstore.Store]. It releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// collectNodes scans pgx rows into a slice of Node values.
func collectNodes(rows pgx.Rows) ([]graphstore.Node, error) {
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graphstore.Node, error) {
		var (
			n         graphstore.Node
			propsJSON []byte
		)
		if err := row.Scan(&n.ID, &n.Label, &propsJSON); err != nil {
			return graphstore.Node{}, err
		}
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &n.Properties); err != nil {
				return graphstore.Node{}, fmt.Errorf("unmarshal node properties: %w", err)
			}
		}
		if n.Properties == nil {
			n.Properties = map[string]any{}
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []graphstore.Node{}
	}
	return nodes, nil
}

// collectEdges scans pgx rows into a slice of Edge values.
func collectEdges(rows pgx.Rows) ([]graphstore.Edge, error) {
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graphstore.Edge, error) {
		var (
			e         graphstore.Edge
			propsJSON []byte
		)
		if err := row.Scan(&e.SourceID, &e.TargetID, &e.Type, &propsJSON); err != nil {
			return graphstore.Edge{}, err
		}
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &e.Properties); err != nil {
				return graphstore.Edge{}, fmt.Errorf("unmarshal edge properties: %w", err)
			}
		}
		if e.Properties == nil {
			e.Properties = map[string]any{}
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []graphstore.Edge{}
	}
	return edges, nil
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map. This ensures
// JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
