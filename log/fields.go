package log

const (
	NamespaceKey = "automations"

	InstanceIDKey = NamespaceKey + ".instance.id"
	ParentIDKey   = NamespaceKey + ".instance.parent_id"
	StatusKey     = NamespaceKey + ".instance.status"

	WorkflowNameKey = NamespaceKey + ".workflow.name"
	RuleNameKey     = NamespaceKey + ".rule.name"

	StepNameKey = NamespaceKey + ".step.name"
	StepKindKey = NamespaceKey + ".step.kind"
	NodeIDKey   = NamespaceKey + ".step.node"

	DriverNameKey = NamespaceKey + ".driver.name"
	ActionNameKey = NamespaceKey + ".driver.action"

	EventIDKey       = NamespaceKey + ".event.id"
	EventSourceKey   = NamespaceKey + ".event.source"
	EventTypeKey     = NamespaceKey + ".event.type"
	EventSequenceKey = NamespaceKey + ".event.sequence"

	TokenKey = NamespaceKey + ".continuation.token"

	AttemptKey  = NamespaceKey + ".attempt"
	DurationKey = NamespaceKey + ".duration_ms"

	// ExpiresAtKey is the time at which a suspended continuation expires
	ExpiresAtKey = NamespaceKey + ".continuation.expires_at"
)
