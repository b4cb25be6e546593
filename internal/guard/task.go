package guard

import "strings"

// TaskEnvelope is the authorization-relevant subset of an IPC task-directory
// drop file: {"type": "...", "sourceGroup": "...", ...}.
type TaskEnvelope struct {
	Type        string
	SourceGroup string
	IsMain      bool // the declaring agent's own group is the main/admin group
}

// AuthorizeTask decides whether a task envelope dropped into targetFolder's
// tasks/ directory may be accepted. A main-group agent may target any
// folder; any other agent may only target its own folder — an agent cannot
// queue work into a chat it doesn't own.
func AuthorizeTask(env TaskEnvelope, targetFolder, declaringFolder string) (bool, string) {
	if env.IsMain {
		return true, ""
	}
	if declaringFolder == targetFolder {
		return true, ""
	}
	return false, "task declares a target folder outside the source group's own folder"
}

// ReferenceMode controls how strictly an inbound message reply must match
// a prior outbound message to be accepted as a continuation.
type ReferenceMode int

const (
	// ReferenceAny accepts a reference to any message the channel has seen.
	ReferenceAny ReferenceMode = iota
	// ReferenceOwn accepts only references to a message this group's own
	// agent session produced.
	ReferenceOwn
	// ReferenceExact requires the reference to match a specific message ID
	// supplied by the caller (e.g. a reply chain started by one command).
	ReferenceExact
)

// ValidateReference checks a message reference against the required mode.
//   - referencedID: the message ID the inbound message claims to reply to.
//   - ownIDs: message IDs this group's own agent session has produced.
//   - expectedID: for ReferenceExact, the one acceptable ID.
func ValidateReference(mode ReferenceMode, referencedID string, ownIDs map[string]struct{}, expectedID string) bool {
	referencedID = strings.TrimSpace(referencedID)
	if referencedID == "" {
		return false
	}
	switch mode {
	case ReferenceAny:
		return true
	case ReferenceOwn:
		_, ok := ownIDs[referencedID]
		return ok
	case ReferenceExact:
		return referencedID == expectedID
	default:
		return false
	}
}
