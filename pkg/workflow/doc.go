// Package workflow stores versioned approval workflows.
//
// A workflow is an ordered list of levels, each gated by a role. Workflows
// are never edited in place: Update and CreateVersion insert a new version
// that links to its parent, copy the levels across and archive the source.
// Versions of one logical workflow share a lineage id, and the lineage table
// points at the current version. Archived versions reject every mutation.
//
// Each organization has at most one active default workflow. Every mutation
// holds the organization lock for the duration of its transaction, and a
// partial unique index backs the rule in the database.
package workflow
