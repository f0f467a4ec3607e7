package insight

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/pensieve/internal/lifelog"
)

// buildPrompt embeds entry metadata and up to maxSegments flattened segments.
// Segments carry the speaker attribution the markdown body drops, so they go
// in alongside it.
func buildPrompt(entry lifelog.Entry, segments []lifelog.Segment, maxSegments int) string {
	var b strings.Builder
	b.WriteString("You are analyzing one recorded lifelog episode. ")
	b.WriteString("Produce a single JSON object matching the provided schema: a short summary, ")
	b.WriteString("the overall mood, topical tags, notable time blocks, concrete action items, ")
	b.WriteString("and suggestions for calendar or task integrations. Output JSON only.\n\n")

	fmt.Fprintf(&b, "Title: %s\n", entry.Title)
	fmt.Fprintf(&b, "Start: %s\nEnd: %s\n", entry.StartTime, entry.EndTime)
	if entry.Timezone != "" {
		fmt.Fprintf(&b, "Timezone: %s\n", entry.Timezone)
	}
	if entry.IsStarred {
		b.WriteString("Starred: yes\n")
	}
	if entry.Markdown != "" {
		b.WriteString("\nTranscript:\n")
		b.WriteString(entry.Markdown)
		b.WriteString("\n")
	}

	if maxSegments > 0 && len(segments) > maxSegments {
		segments = segments[:maxSegments]
	}
	if len(segments) > 0 {
		b.WriteString("\nSegments:\n")
		for _, seg := range segments {
			if seg.SpeakerName != "" {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", seg.Type, seg.SpeakerName, seg.Content)
			} else {
				fmt.Fprintf(&b, "- [%s] %s\n", seg.Type, seg.Content)
			}
		}
	}
	return b.String()
}

// buildRepairPrompt asks the model to fix its own malformed attempt. One
// repair call per candidate, then the secondary provider takes over.
func buildRepairPrompt(malformed string) string {
	var b strings.Builder
	b.WriteString("The following text was supposed to be a single JSON object matching this JSON Schema:\n")
	b.WriteString(payloadSchemaJSON)
	b.WriteString("\n\nIt is malformed or does not validate:\n")
	b.WriteString(malformed)
	b.WriteString("\n\nEmit the corrected JSON object and nothing else.")
	return b.String()
}
