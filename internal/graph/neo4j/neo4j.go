package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/hoytak/lazyrunner/internal/depgraph"
	"github.com/hoytak/lazyrunner/internal/graph"
)

const (
	cypherRun = "MERGE (r:Run {id: $run})"

	cypherNode = "MERGE (n:Node {id: $id}) " +
		"SET n.name = $name, n.kind = $kind, n.key = $key, n.version = $version " +
		"WITH n MATCH (r:Run {id: $run}) " +
		"MERGE (r)-[x:RESOLVED]->(n) SET x.source = $source"

	cypherEdge = "MATCH (a:Node {id: $from}), (b:Node {id: $to}) " +
		"MERGE (a)-[d:DEPENDS_ON {run: $run}]->(b) SET d.level = $level, d.label = $label"

	cypherLoad = "MATCH (:Run {id: $run})-[x:RESOLVED]->(n:Node) " +
		"OPTIONAL MATCH (n)-[d:DEPENDS_ON {run: $run}]->(m:Node) " +
		"RETURN n.id AS id, n.name AS name, n.kind AS kind, n.key AS key, n.version AS version, x.source AS source, " +
		"collect([m.id, d.level, d.label]) AS deps"

	cypherDependents = "MATCH (a:Node)-[:DEPENDS_ON]->(:Node {id: $id}) RETURN DISTINCT a.id AS id ORDER BY id"
)

// Neo4jRepository implements graph.Repository using Neo4j.
type Neo4jRepository struct {
	driver neo4j.DriverWithContext
}

// NewNeo4j creates a Neo4j-backed repository.
func NewNeo4j(ctx context.Context, uri, username, password string) (*Neo4jRepository, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Neo4jRepository{driver: driver}, nil
}

// nodeParams returns the query parameters that store n for runID.
func nodeParams(runID string, n depgraph.Node) map[string]any {
	return map[string]any{
		"run":     runID,
		"id":      n.ID,
		"name":    n.Name,
		"kind":    string(n.Kind),
		"key":     n.Key,
		"version": n.Version,
		"source":  n.Source,
	}
}

func edgeParams(runID string, e depgraph.Edge) map[string]any {
	return map[string]any{
		"run":   runID,
		"from":  e.From,
		"to":    e.To,
		"level": string(e.Kind),
		"label": e.Label,
	}
}

func (r *Neo4jRepository) StoreGraph(ctx context.Context, runID string, g *depgraph.Graph) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, cypherRun, map[string]any{"run": runID}); err != nil {
			return nil, err
		}
		for _, n := range g.Nodes {
			if _, err := tx.Run(ctx, cypherNode, nodeParams(runID, n)); err != nil {
				return nil, fmt.Errorf("node %s: %w", n.ID, err)
			}
		}
		for _, e := range g.Edges {
			if _, err := tx.Run(ctx, cypherEdge, edgeParams(runID, e)); err != nil {
				return nil, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("store graph %s: %w", runID, err)
	}
	return nil
}

// row is one record of cypherLoad.
type row struct {
	node depgraph.Node
	deps []any
}

func (r *Neo4jRepository) LoadGraph(ctx context.Context, runID string) (*depgraph.Graph, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, cypherLoad, map[string]any{"run": runID})
		if err != nil {
			return nil, err
		}
		var rows []row
		for records.Next(ctx) {
			rec := records.Record()
			str := func(k string) string {
				v, _ := rec.Get(k)
				s, _ := v.(string)
				return s
			}
			deps, _ := rec.Get("deps")
			list, _ := deps.([]any)
			rows = append(rows, row{
				node: depgraph.Node{
					ID:      str("id"),
					Name:    str("name"),
					Kind:    depgraph.NodeKind(str("kind")),
					Key:     str("key"),
					Version: str("version"),
					Source:  str("source"),
				},
				deps: list,
			})
		}
		return rows, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", runID, err)
	}
	rows := result.([]row)
	if len(rows) == 0 {
		return nil, fmt.Errorf("run %s: not found", runID)
	}
	return assemble(rows), nil
}

// assemble turns load rows into a graph. Each dependency entry is a
// [target id, level, label] triple; OPTIONAL MATCH yields a null id for
// nodes without dependencies.
func assemble(rows []row) *depgraph.Graph {
	var (
		nodes []depgraph.Node
		edges []depgraph.Edge
	)
	for _, r := range rows {
		nodes = append(nodes, r.node)
		for _, d := range r.deps {
			triple, ok := d.([]any)
			if !ok || len(triple) != 3 {
				continue
			}
			to, _ := triple[0].(string)
			if to == "" {
				continue
			}
			level, _ := triple[1].(string)
			label, _ := triple[2].(string)
			edges = append(edges, depgraph.Edge{From: r.node.ID, To: to, Kind: depgraph.EdgeKind(level), Label: label})
		}
	}
	return depgraph.Assemble(nodes, edges)
}

func (r *Neo4jRepository) QueryDependents(ctx context.Context, nodeID string) ([]string, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, cypherDependents, map[string]any{"id": nodeID})
		if err != nil {
			return nil, err
		}
		var ids []string
		for records.Next(ctx) {
			v, _ := records.Record().Get("id")
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids, records.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (r *Neo4jRepository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

var _ graph.Repository = (*Neo4jRepository)(nil)
