package depgraph

// Node represents one resolved module result or one parameter dependency.
type Node struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Kind     NodeKind          `json:"kind"`
	Key      string            `json:"key"`
	Version  string            `json:"version,omitempty"`
	Source   string            `json:"source,omitempty"` // run, memory, disk; empty when only described
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NodeKind classifies graph nodes
type NodeKind string

const (
	NodeModule     NodeKind = "module"
	NodeParameters NodeKind = "parameters"
)

// Edge points from a module to one of its dependencies.
type Edge struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Kind  EdgeKind `json:"kind"`
	Label string   `json:"label,omitempty"` // load name
}

// EdgeKind is the level a dependency is pulled at.
type EdgeKind string

const (
	EdgeParameters EdgeKind = "parameters"
	EdgeResults    EdgeKind = "results"
	EdgeModule     EdgeKind = "module"
)

// Graph is the resolution graph of one or more requests.
type Graph struct {
	Nodes []Node     `json:"nodes"`
	Edges []Edge     `json:"edges"`
	Stats GraphStats `json:"stats"`
}

// GraphStats holds computed metrics about the graph
type GraphStats struct {
	TotalNodes          int            `json:"total_nodes"`
	TotalEdges          int            `json:"total_edges"`
	ModuleCount         int            `json:"module_count"`
	ParameterCount      int            `json:"parameter_count"`
	MaxFanOut           int            `json:"max_fan_out"`
	MaxFanIn            int            `json:"max_fan_in"`
	HotspotNode         string         `json:"hotspot_node"` // most shared dependency
	Depth               int            `json:"depth"`        // longest dependency chain
	ConnectedComponents int            `json:"connected_components"`
	CyclicDeps          [][]string     `json:"cyclic_deps,omitempty"`
	Sources             map[string]int `json:"sources,omitempty"`
}
