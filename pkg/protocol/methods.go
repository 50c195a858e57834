package protocol

// RPC method name constants for the admin WebSocket.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Agents management
	MethodAgentsList  = "agents.list"
	MethodAgentsStart = "agents.start"
	MethodAgentsStop  = "agents.stop"

	// Campaigns
	MethodCampaignsList = "campaigns.list"
)
