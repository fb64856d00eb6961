package orchestrator

// Label names with fixed semantics.
//
// Blocking labels are exclusively owned by humans, the orchestrator only
// reads them. Informational labels are exclusively owned by the
// orchestrator.
const (
	LabelReadyToMerge = "ready-to-merge"
	LabelAutoFixed    = "auto-fixed"
	LabelAutoResolved = "auto-resolved"
	LabelAutoMerged   = "auto-merged"
)

// DefaultBlockingLabels returns the builtin labels whose presence prevents
// automatic merging.
func DefaultBlockingLabels() []string {
	return []string{"do-not-merge", "wip", "work-in-progress", "needs-review"}
}

// InformationalLabels returns the labels whose lifecycle the orchestrator
// owns.
func InformationalLabels() []string {
	return []string{LabelReadyToMerge, LabelAutoFixed, LabelAutoResolved, LabelAutoMerged}
}

func toStrSet(sl []string) map[string]struct{} {
	result := make(map[string]struct{}, len(sl))

	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}
