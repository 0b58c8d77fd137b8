package metrickeys

const (
	Prefix = "automations."

	// Events
	EventReceived = Prefix + "event.received"
	EventDropped  = Prefix + "event.dropped"
	EventMatched  = Prefix + "event.matched"

	// Instances
	InstanceStarted  = Prefix + "instance.started"
	InstanceFinished = Prefix + "instance.finished"
	InstanceQueued   = Prefix + "instance.queued"
	InstanceActive   = Prefix + "instance.active"
	InstanceDuration = Prefix + "instance.duration"

	InstanceRetentionSize     = Prefix + "instance.retention.size"
	InstanceRetentionEviction = Prefix + "instance.retention.eviction"

	// Actions
	ActionInvoked  = Prefix + "action.invoked"
	ActionDuration = Prefix + "action.duration"

	// Continuations
	ContinuationCreated  = Prefix + "continuation.created"
	ContinuationResumed  = Prefix + "continuation.resumed"
	ContinuationExpired  = Prefix + "continuation.expired"
	ContinuationConflict = Prefix + "continuation.conflict"

	ContinuationResolveDuration = Prefix + "continuation.resolve.duration"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	Source = "source"

	Driver = "driver"
	Action = "action"

	Status = "status"

	Workflow = "workflow"

	SubWorkflow = "subworkflow"

	Reason = "reason"
)
