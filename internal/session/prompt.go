package session

import (
	"strings"
)

var (
	browsingVerbs = []string{
		"go to", "visit", "navigate", "open", "browse", "check",
		"look at", "click", "fill", "submit", "login", "sign in",
	}
	siteHints = []string{
		".com", ".org", ".io", ".net", ".ai",
		"website", "webpage", "page", "site",
	}
	browsingPrefixes = []string{
		"use your browser", "using your browser", "open a browser",
		"navigate to", "browse to",
	}
)

// NormalizePrompt flattens a prompt to one line: list markers are stripped
// from each line and runs of whitespace collapse to single spaces. Chat
// inputs submit on newline, so multi-line prompts would be cut short.
func NormalizePrompt(prompt string) string {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimLeft(line, "-*• ")
	}
	return strings.Join(strings.Fields(strings.Join(lines, "\n")), " ")
}

// MakeAgentic rewrites prompts that ask for web browsing into an explicit
// "Use your browser to ..." instruction so the agent drives its own browser.
// Prompts that already start with such an instruction are returned unchanged.
func MakeAgentic(prompt string) string {
	lower := strings.ToLower(prompt)
	hasURL := strings.Contains(prompt, "http://") || strings.Contains(prompt, "https://")
	if !hasURL && !containsAny(lower, browsingVerbs) && !containsAny(lower, siteHints) {
		return prompt
	}
	for _, prefix := range browsingPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return prompt
		}
	}

	if hasURL {
		for _, token := range strings.Fields(prompt) {
			if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") {
				rest := strings.Join(strings.Fields(strings.ReplaceAll(prompt, token, "")), " ")
				if rest == "" {
					rest = "tell me what you find there"
				}
				return "Use your browser to navigate to " + token + " and " + rest
			}
		}
	}
	return "Use your browser to " + prompt
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
