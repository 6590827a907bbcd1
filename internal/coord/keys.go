package coord

import "fmt"

// The coordination layer owns a single logical namespace shared by all
// agent processes. Everything below documents the keys and topics it
// uses inside that namespace.

const (
	// agentsSetKey indexes every registered agent id.
	agentsSetKey = "agents"
)

// agentInfoKey is the hash holding one agent's capability and status fields.
func agentInfoKey(agentID string) string {
	return fmt.Sprintf("agent:%s:info", agentID)
}

// presenceKey is the TTL'd liveness marker refreshed by heartbeats.
func presenceKey(agentID string) string {
	return fmt.Sprintf("presence:%s", agentID)
}

// claimKey is the exclusive claim slot for one task id.
func claimKey(taskID string) string {
	return fmt.Sprintf("claim:%s", taskID)
}

// DispatchTopic carries task assignments directed at one agent.
func DispatchTopic(agentID string) string {
	return fmt.Sprintf("dispatch:%s", agentID)
}

// ResultTopic carries the outcome of one task back to its dispatcher.
func ResultTopic(taskID string) string {
	return fmt.Sprintf("results:%s", taskID)
}

// ControlTopic carries cancel requests for one workflow's in-flight tasks.
func ControlTopic(workflowID string) string {
	return fmt.Sprintf("workflow:%s:control", workflowID)
}
