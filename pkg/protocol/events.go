package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventCampaign = "campaign"
	EventHealth   = "health"
	EventShutdown = "shutdown"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventStateChanged = "state.changed"
	AgentEventLaunchRetry  = "launch.retrying"
	AgentEventLaunchFailed = "launch.failed"
	AgentEventReady        = "ready"
)

// Campaign event subtypes (in payload.type)
const (
	CampaignEventOpened         = "opened"
	CampaignEventVoteRecorded   = "vote.recorded"
	CampaignEventEntryRecorded  = "entry.recorded"
	CampaignEventResolved       = "resolved"
	CampaignEventDeliveryFailed = "resolution.delivery.failed"
)
