package domain

import (
	"slices"
	"time"
)

// Node represents a physical hypervisor host.
type Node struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Hostname   string   `json:"hostname"`
	Enabled    bool     `json:"enabled"`
	Priority   int      `json:"priority"`
	Overcommit float64  `json:"overcommit"`
	Traits     []string `json:"traits,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *Node) SubjectKind() SubjectKind { return SubjectNode }
func (n *Node) SubjectID() string        { return n.ID }

// HasTraits reports whether the node declares every required trait.
func (n *Node) HasTraits(required []string) bool {
	for _, t := range required {
		if !slices.Contains(n.Traits, t) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Traits = slices.Clone(n.Traits)
	return &out
}

// NodeMetrics is the remote view of a node's capacity.
type NodeMetrics struct {
	Cores     int       `json:"cores"`
	RAMBytes  int64     `json:"ram_bytes"`
	Online    bool      `json:"online"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RAMMiB returns the RAM size in MiB.
func (m NodeMetrics) RAMMiB() int64 {
	return m.RAMBytes / (1024 * 1024)
}
