package graph

// Edge is one qualifying outgoing relationship of a graph node.
type Edge struct {
	TargetId     string `json:"targetId"`
	RelationType string `json:"relationType"`
}

// Graph is a directed adjacency structure over a working set of entity
// ids. Entries exist only for entities with at least one qualifying
// outgoing edge.
type Graph map[string][]Edge

// PathResult is a minimal-length path from a source entity to one of the
// requested targets. Length equals len(Path)-1 and is 0 only when the
// source itself is a target.
type PathResult struct {
	TargetId string   `json:"targetId"`
	Path     []string `json:"path"`
	Length   int      `json:"length"`
}

// PathStep is one enriched node along a found path. RelationType names
// the edge that led here from the previous step and is empty on the
// first step.
type PathStep struct {
	EntityId     string `json:"entityId"`
	EntityName   string `json:"entityName"`
	EntityType   string `json:"entityType"`
	RelationType string `json:"relationType,omitempty"`
}
