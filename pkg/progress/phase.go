package progress

// PhaseState is the lifecycle of one investigation phase.
type PhaseState string

const (
	PhasePending PhaseState = "pending"
	PhaseRunning PhaseState = "running"
	PhaseDone    PhaseState = "done"
	PhaseFailed  PhaseState = "failed"
)

// rootCausePhase is always shown. It turns running on the first
// assistant thought and done when the result lands.
const rootCausePhase = "root_cause_analysis"

// phaseTable buckets tool names into investigation phases. The mapping
// is stable so message edits never reshuffle lines.
var phaseTable = map[string]string{
	"list_pods":           "cluster_inspection",
	"describe_pod":        "cluster_inspection",
	"describe_deployment": "cluster_inspection",
	"list_namespaces":     "cluster_inspection",
	"get_pod_logs":        "log_analysis",
	"get_pod_events":      "log_analysis",
	"rag_search":          "knowledge_lookup",
	"rag_answer":          "knowledge_lookup",
	"run_script":          "diagnostics",
}

func phaseForTool(name string) string {
	if phase, ok := phaseTable[name]; ok {
		return phase
	}
	return "investigation"
}

var phaseTitles = map[string]string{
	"cluster_inspection": "Cluster inspection",
	"log_analysis":       "Log analysis",
	"knowledge_lookup":   "Knowledge lookup",
	"diagnostics":        "Diagnostics",
	"investigation":      "Investigation",
	rootCausePhase:       "Root cause analysis",
}

func phaseTitle(name string) string {
	if title, ok := phaseTitles[name]; ok {
		return title
	}
	return name
}

// phaseEntry tracks one phase's state and tool activity.
type phaseEntry struct {
	name     string
	state    PhaseState
	inflight int
	calls    int
}
