package research

import (
	"fmt"
	"strings"
)

const minPromptLen = 10

// Terms that disqualify a prompt from being sent to the research API.
var deniedTerms = []string{"hack", "illegal", "harmful"}

// ValidatePrompt rejects prompts that are too short to be a research topic
// or contain a denied term. Checked both at schedule creation and again
// before every execution.
func ValidatePrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) < minPromptLen {
		return fmt.Errorf("research: prompt must be at least %d characters", minPromptLen)
	}
	lower := strings.ToLower(trimmed)
	for _, term := range deniedTerms {
		if strings.Contains(lower, term) {
			return fmt.Errorf("research: prompt contains disallowed term %q", term)
		}
	}
	return nil
}
