package stages

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// expectedCaptationPrompts is how many prompts the captation file normally
// defines. A different count is logged but not fatal, so prompt authors
// can iterate without code changes.
const expectedCaptationPrompts = 7

// promptMarker matches the section headers of the captation prompt file,
// e.g. "**Prompt 3: Concurrence locale**".
var promptMarker = regexp.MustCompile(`(?m)^\*\*Prompt (\d+):\s*(.+?)\*\*\s*$`)

// CaptationPrompt is one numbered research prompt.
type CaptationPrompt struct {
	Number int
	Title  string
	Body   string
}

// Slug returns the filesystem token for the prompt's artifacts.
func (p CaptationPrompt) Slug() string {
	return slugify(p.Title)
}

// LoadCaptationPrompts reads and parses the captation prompt file.
func LoadCaptationPrompts(path string) ([]CaptationPrompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading captation prompts: %w", err)
	}

	return ParseCaptationPrompts(string(data))
}

// ParseCaptationPrompts splits the prompt file on its numbered markers.
// Text before the first marker is ignored (file preamble).
func ParseCaptationPrompts(content string) ([]CaptationPrompt, error) {
	matches := promptMarker.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("captation prompt file contains no prompt markers")
	}

	prompts := make([]CaptationPrompt, 0, len(matches))

	for i, match := range matches {
		number, err := strconv.Atoi(content[match[2]:match[3]])
		if err != nil {
			return nil, fmt.Errorf("parsing prompt number: %w", err)
		}

		title := strings.TrimSpace(content[match[4]:match[5]])

		bodyStart := match[1]

		bodyEnd := len(content)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}

		body := strings.TrimSpace(content[bodyStart:bodyEnd])
		if body == "" {
			return nil, fmt.Errorf("prompt %d (%s) has an empty body", number, title)
		}

		prompts = append(prompts, CaptationPrompt{
			Number: number,
			Title:  title,
			Body:   body,
		})
	}

	return prompts, nil
}
