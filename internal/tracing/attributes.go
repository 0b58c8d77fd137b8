package tracing

const (
	InstanceID = "instance.id"
	ParentID   = "instance.parent_id"
	Workflow   = "workflow.name"

	Rule = "rule.name"

	EventID     = "event.id"
	EventSource = "event.source"
	EventType   = "event.type"

	Driver = "driver.name"
	Action = "driver.action"
	Status = "result.status"

	Attempt = "attempt"
)
