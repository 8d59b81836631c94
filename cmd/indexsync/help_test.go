package main

import (
	"strings"
	"testing"
)

func TestColorizeHelpOutput(t *testing.T) {
	in := "Agents:\n  status      Show status\n\nFlags:\n      --tenant string   tenant id (default \"default\")\n"
	out := colorizeHelpOutput(in)

	for _, want := range []string{
		"\x1b[38;5;74mAgents:\x1b[0m",
		"  \x1b[38;5;250mstatus\x1b[0m  ",
		"--tenant \x1b[38;5;245mstring\x1b[0m",
		"\x1b[38;5;245m(default \"default\")\x1b[0m",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRootCommandGroups(t *testing.T) {
	groups := map[string]string{}
	for _, c := range rootCmd.Commands() {
		groups[c.Name()] = c.GroupID
	}
	want := map[string]string{
		"status":    "agents",
		"agents":    "agents",
		"suspend":   "agents",
		"resume":    "agents",
		"enqueue":   "indexing",
		"massindex": "indexing",
		"watch":     "indexing",
		"serve":     "system",
		"health":    "system",
		"migrate":   "system",
	}
	for name, group := range want {
		if groups[name] != group {
			t.Errorf("%s: group = %q, want %q", name, groups[name], group)
		}
	}
}
