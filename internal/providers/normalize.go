package providers

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

// Turn is one provider-ready conversation turn after normalization: role
// collapsed to user/assistant, attachments flattened into the content.
type Turn struct {
	Role    models.Role
	Content string
}

// attachmentHeader introduces the flattened attachment section appended to
// a user message. The format is stable: given the same message and
// attachments, every driver produces the same payload.
const attachmentHeader = "\n\n# ATTACHED FILES\n\n"

// Normalize applies the universal preparation rules to a request's chain:
//
//   - Role aliases are collapsed to user/assistant (roles were normalized
//     at ingest, so this is a safety net for imported histories).
//   - The leading system message is lifted out of the turn list into the
//     returned system string; req.SystemInstruction wins when set. Stray
//     system messages mid-chain are folded into the system string too,
//     since every supported provider takes instructions as a side channel.
//   - Empty-content messages are dropped, except a trailing user message,
//     which providers need to have something to answer.
//   - Attachment bodies are concatenated into the owning user message
//     behind a stable delimiter.
//
// Drivers call this first and then translate the turns into their wire
// format.
func Normalize(req *Request) (system string, turns []Turn) {
	var systemParts []string
	if req.SystemInstruction != "" {
		systemParts = append(systemParts, req.SystemInstruction)
	}

	for i, msg := range req.Chain {
		if msg == nil {
			continue
		}
		role := models.NormalizeRole(string(msg.Role))

		if role == models.RoleSystem {
			// The chain root's instruction rides the provider's system
			// channel unless the request already supplied one.
			if req.SystemInstruction == "" && strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		}

		content := flattenAttachments(msg.Content, msg.Attachments)

		if strings.TrimSpace(content) == "" {
			trailing := i == len(req.Chain)-1
			if !(trailing && role == models.RoleUser) {
				continue
			}
		}

		turns = append(turns, Turn{Role: role, Content: content})
	}

	return strings.Join(systemParts, "\n\n"), turns
}

// flattenAttachments appends attachment bodies to a message's content in
// attachment order, behind the stable delimiter.
func flattenAttachments(content string, atts []models.Attachment) string {
	if len(atts) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString(attachmentHeader)
	for _, att := range atts {
		fmt.Fprintf(&b, "### FILE: %s\n%s\n", att.FileName, att.Content)
	}
	return b.String()
}
