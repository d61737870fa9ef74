// Package tools declares the static capability classification every tool
// identifier carries. The isolation resolver consults this table instead of
// inferring write behavior from tool names at runtime.
package tools

import "sort"

// Classification says whether invoking a tool can mutate state.
type Classification string

const (
	Read  Classification = "read"
	Write Classification = "write"
)

// table is the authoritative tool -> classification mapping. Adding a tool
// here is what makes it legal to reference from the registry.
var table = map[string]Classification{
	"read_file":    Read,
	"list_dir":     Read,
	"grep":         Read,
	"glob":         Read,
	"fetch_url":    Read,
	"code_outline": Read,
	"git_log":      Read,
	"git_diff":     Read,
	"write_file":   Write,
	"edit_file":    Write,
	"delete_file":  Write,
	"run_command":  Write,
	"git_commit":   Write,
	"git_push":     Write,
	"apply_patch":  Write,
}

// Lookup returns the classification for a tool identifier.
func Lookup(tool string) (Classification, bool) {
	c, ok := table[tool]
	return c, ok
}

// Known reports whether the tool identifier is declared in the table.
func Known(tool string) bool {
	_, ok := table[tool]
	return ok
}

// IsWrite reports whether the tool is classified as a write. Unknown tools
// report false; the registry rejects unknown tools at load time so they
// never reach the resolver.
func IsWrite(tool string) bool {
	return table[tool] == Write
}

// All returns the declared tool identifiers sorted for deterministic output.
func All() []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
