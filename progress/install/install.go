package install

// Phase represents a stage in an install batch's lifecycle.
type Phase int

const (
	PhasePlanned   Phase = iota // Plan resolved, package count known.
	PhaseExtracted              // A package's store entry is in place.
	PhaseLinked                 // A package's keg is materialized and linked.
	PhaseCommitted              // A package's DB transaction has committed.
	PhaseDone                   // The whole batch finished.
)

// Event describes a single install progress update.
type Event struct {
	Phase Phase
	Name  string // Formula name; empty for batch-level phases.
	Index int    // Package index in dependency order (0-based); -1 for batch-level phases.
	Total int    // Total number of packages in the batch.
}
