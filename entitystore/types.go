// Package entitystore implements the dynamic-entity store (§4.3): CRUD,
// filtering, sorting, path-based browsing, and versioning for rows in the
// per-type tables the entity-definition engine generates.
package entitystore

import "time"

// Entity is one instance of an EntityDefinition (§3.3). FieldData holds
// the user-supplied column values; everything else is a system field.
type Entity struct {
	UUID       string
	EntityType string
	EntityKey  string
	Path       string
	ParentUUID string
	FieldData  map[string]interface{}
	Published  bool
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	CreatedBy  string
	UpdatedBy  string
}

// Node is one entry returned by browse_by_path/search_by_path_prefix: an
// actual entity or a virtual folder standing in for a path prefix that
// has no entity of its own at that level.
type Node struct {
	UUID        string
	EntityKey   string
	Path        string
	IsFolder    bool
	HasChildren bool
}

// Filter is one equality predicate in filter_entities. Column is
// validated against the definition's field list before use, never
// interpolated into SQL text.
type Filter struct {
	Column string
	Value  interface{}
}

// ListOptions bundles filter_entities' parameters (§4.3).
type ListOptions struct {
	Limit   int
	Offset  int
	Filters []Filter
	Search  string
	Path    string
	Sort    string
	SortAsc bool
	Fields  []string
}
