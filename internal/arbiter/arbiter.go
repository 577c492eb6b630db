// ABOUTME: Decides whether a tool invocation needs user confirmation
// ABOUTME: Explicit tags bypass; agent-proposed calls check a static set

package arbiter

// Origin describes how a tool invocation was requested.
type Origin int

const (
	// OriginExplicitTag means the user named the tool directly in their
	// message. Explicit requests carry their own consent and never need
	// confirmation.
	OriginExplicitTag Origin = iota
	// OriginAgentProposed means the model recommended the tool.
	OriginAgentProposed
)

// Arbiter decides whether a planned tool invocation requires an explicit
// user confirmation before it runs. The required set is static
// configuration; it never changes at runtime.
type Arbiter struct {
	required map[string]struct{}
}

// NewArbiter creates an arbiter from the list of tool names requiring
// confirmation when agent-proposed.
func NewArbiter(requiredTools []string) *Arbiter {
	required := make(map[string]struct{}, len(requiredTools))
	for _, name := range requiredTools {
		required[name] = struct{}{}
	}
	return &Arbiter{required: required}
}

// RequiresConfirmation reports whether invoking the named tool from the
// given origin needs a confirmation round-trip first.
func (a *Arbiter) RequiresConfirmation(toolName string, origin Origin) bool {
	if origin == OriginExplicitTag {
		return false
	}
	_, ok := a.required[toolName]
	return ok
}
