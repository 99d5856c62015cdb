package normalize

import (
	"strings"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

// commandPrefixCategories maps a leading command token to a coarse risk
// bucket, mirroring the pattern-table approach of shell_parser.go's
// dangerousPatterns (substring/prefix matching against a lookup table)
// but classifying the *verb* of a command-run tool call instead of
// scanning for dangerous shell metacharacters.
var commandPrefixCategories = map[string]models.CommandCategory{
	"cat": models.CommandCategoryRead, "less": models.CommandCategoryRead,
	"head": models.CommandCategoryRead, "tail": models.CommandCategoryRead,
	"ls": models.CommandCategoryRead, "find": models.CommandCategoryRead,
	"grep": models.CommandCategoryRead, "rg": models.CommandCategoryRead,
	"stat": models.CommandCategoryRead, "file": models.CommandCategoryRead,
	"echo": models.CommandCategoryOther, "pwd": models.CommandCategoryOther,

	"touch": models.CommandCategoryWrite, "mkdir": models.CommandCategoryWrite,
	"rm": models.CommandCategoryWrite, "mv": models.CommandCategoryWrite,
	"cp": models.CommandCategoryWrite, "sed": models.CommandCategoryWrite,
	"tee": models.CommandCategoryWrite, "chmod": models.CommandCategoryWrite,
	"git": models.CommandCategoryWrite, "npm": models.CommandCategoryWrite,
	"go": models.CommandCategoryWrite, "make": models.CommandCategoryWrite,

	"curl": models.CommandCategoryNetwork, "wget": models.CommandCategoryNetwork,
	"ssh": models.CommandCategoryNetwork, "scp": models.CommandCategoryNetwork,
	"nc": models.CommandCategoryNetwork, "ping": models.CommandCategoryNetwork,
}

// redirectTokens additionally tag a command as a write even when its verb
// doesn't, because it mutates the filesystem via shell redirection.
var redirectTokens = []string{">", ">>"}

// ClassifyCommand buckets a shell command string into a coarse risk
// category for tool-action metadata (spec.md §4.2 classifyCommand).
// The first whitespace-delimited token decides the category by prefix
// lookup; redirection tokens escalate to "write" regardless of verb;
// unrecognized verbs fall back to "other".
func ClassifyCommand(cmd string) models.CommandCategory {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return models.CommandCategoryOther
	}
	for _, tok := range redirectTokens {
		if strings.Contains(trimmed, tok) {
			return models.CommandCategoryWrite
		}
	}
	fields := strings.Fields(trimmed)
	verb := fields[0]
	// Strip a leading path, e.g. "/usr/bin/git" -> "git".
	if idx := strings.LastIndex(verb, "/"); idx >= 0 {
		verb = verb[idx+1:]
	}
	if cat, ok := commandPrefixCategories[verb]; ok {
		return cat
	}
	return models.CommandCategoryOther
}

// ClassifyTool maps a (toolName, input) pair to a ToolAction, the pure
// classification function named in spec.md §4.2. Known tool names get a
// dedicated ToolAction kind; everything else becomes a generic "tool"
// action so the renderer/persistence layers still have a usable shape.
func ClassifyTool(toolName string, input map[string]any) *models.ToolAction {
	switch strings.ToLower(toolName) {
	case "read", "read_file", "view":
		return &models.ToolAction{Kind: models.ToolActionFileRead, Path: stringField(input, "file_path", "path")}
	case "edit", "write", "write_file", "edit_file", "apply_patch", "multiedit":
		return &models.ToolAction{Kind: models.ToolActionFileEdit, Path: stringField(input, "file_path", "path")}
	case "bash", "shell", "exec", "run_command":
		cmd := stringField(input, "command", "cmd")
		return &models.ToolAction{Kind: models.ToolActionCommandRun, Command: cmd, Category: ClassifyCommand(cmd)}
	case "grep", "glob", "search", "codesearch":
		return &models.ToolAction{Kind: models.ToolActionSearch, Query: stringField(input, "pattern", "query")}
	case "webfetch", "web_fetch", "fetch", "browser_navigate":
		return &models.ToolAction{Kind: models.ToolActionWebFetch, URL: stringField(input, "url")}
	default:
		return &models.ToolAction{Kind: models.ToolActionTool, Name: toolName, Args: input}
	}
}

func stringField(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
