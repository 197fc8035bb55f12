package app

import (
	"fmt"
	"strings"

	"rerhythm/pkg/ai"
	"rerhythm/pkg/domain"
)

const counselorPrompt = `You are a supportive psychological counselor helping a user reflect on their journal entries.

CRITICAL RULES:
- NEVER use the user's name or any identifying information
- NEVER reference specific dates, locations, or people mentioned in journals
- Address the user as "you" only
- Be warm, empathetic, and supportive
- Provide gentle psychological support and insights
- Ask thoughtful follow-up questions when appropriate
- Keep responses concise but meaningful

Your role is to help the user process their thoughts and feelings based on their journal entries.`

// StyleDirective is the canonical reply-style instruction. Transcripts carry
// it exactly once, directly after the persona prompt.
const StyleDirective = `RESPONSE STYLE:
- Reply the way a person talks in a chat, not as an essay or a list
- Keep each reply to 2-4 short sentences
- Ask at most one question per reply
- Do not use headings, bullet points or markdown
- Match the user's tone and do not repeat earlier advice`

const journalContextTemplate = `Here are the user's journal entries for context:

%s

Please provide initial supportive counseling based on these journal entries. Remember to never use names or identifying information.`

const welcomeContext = `The user has opened a counseling session without sharing any journal entries.

Please greet them warmly, explain that this is a space to talk through whatever is on their mind, and invite them to share how they are feeling today. Remember to never use names or identifying information.`

const journalSeparator = "\n---\n"

var counselingSchema = ai.ObjectSchema("counseling_response", map[string]any{
	"counseling": ai.StringProp("The counselor's reply to the user."),
}, "counseling")

type counselingReply struct {
	Counseling string `json:"counseling"`
}

// EnsureStyleDirective returns messages with the canonical style directive
// present exactly once. A missing directive is inserted at index 1; later
// duplicates are dropped. A transcript that already satisfies this is
// returned unchanged, so applying it twice equals applying it once.
func EnsureStyleDirective(messages []domain.Message) []domain.Message {
	seen := 0
	for _, m := range messages {
		if isStyleDirective(m) {
			seen++
		}
	}
	if seen == 1 {
		return messages
	}
	if seen == 0 {
		out := make([]domain.Message, 0, len(messages)+1)
		directive := domain.Message{Role: domain.RoleSystem, Content: StyleDirective}
		if len(messages) == 0 {
			return append(out, directive)
		}
		out = append(out, messages[0], directive)
		return append(out, messages[1:]...)
	}
	out := make([]domain.Message, 0, len(messages)-seen+1)
	kept := false
	for _, m := range messages {
		if isStyleDirective(m) {
			if kept {
				continue
			}
			kept = true
		}
		out = append(out, m)
	}
	return out
}

func isStyleDirective(m domain.Message) bool {
	return m.Role == domain.RoleSystem && m.Content == StyleDirective
}

func openingTranscript(journals []domain.JournalEntry) []domain.Message {
	prompt := welcomeContext
	if len(journals) > 0 {
		texts := make([]string, 0, len(journals))
		for _, j := range journals {
			texts = append(texts, j.Text)
		}
		prompt = fmt.Sprintf(journalContextTemplate, strings.Join(texts, journalSeparator))
	}
	return []domain.Message{
		{Role: domain.RoleSystem, Content: counselorPrompt},
		{Role: domain.RoleSystem, Content: StyleDirective},
		{Role: domain.RoleUser, Content: prompt},
	}
}
