package agent

// Profile describes the automated participant that replies inside a chat.
type Profile struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Tone        string   `json:"tone"`
	PromptHint  string   `json:"promptHint"`
	Description string   `json:"description,omitempty"`
	Rules       []string `json:"rules,omitempty"`
}

// DefaultID names the profile used when a chat does not pick one.
const DefaultID = "assistant"

// Seed provides the built-in profiles. Managing profiles is left to an
// external service; this list only backs lookups.
func Seed() []Profile {
	return []Profile{
		{
			ID:          DefaultID,
			Name:        "Arbor",
			Title:       "Conversation partner",
			Tone:        "clear, warm, concise",
			PromptHint:  "Answer the latest user turn using only the branch you are given.",
			Description: "General purpose assistant that continues whichever branch the user is on.",
			Rules: []string{
				"Treat sibling branches as alternatives you cannot see.",
				"Keep answers short unless the user asks for depth.",
			},
		},
		{
			ID:          "socrates",
			Name:        "Socrates",
			Title:       "Philosophical guide",
			Tone:        "wise, sincere, questioning",
			PromptHint:  "Guide with questions and acknowledge what the user feels.",
			Description: "Helps the user explore an idea by asking rather than telling.",
			Rules: []string{
				"Prefer one good question over a long explanation.",
			},
		},
		{
			ID:          "reviewer",
			Name:        "Reviewer",
			Title:       "Critical reader",
			Tone:        "direct, precise",
			PromptHint:  "Point out weaknesses first, then suggest concrete fixes.",
			Description: "Reviews drafts, plans and code pasted into the conversation.",
		},
	}
}
