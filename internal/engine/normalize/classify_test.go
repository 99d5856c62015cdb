package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

func TestClassifyCommandByVerb(t *testing.T) {
	cases := []struct {
		cmd  string
		want models.CommandCategory
	}{
		{"cat file.txt", models.CommandCategoryRead},
		{"  ls -la  ", models.CommandCategoryRead},
		{"rm -rf build", models.CommandCategoryWrite},
		{"git commit -m x", models.CommandCategoryWrite},
		{"curl https://example.com", models.CommandCategoryNetwork},
		{"echo hi", models.CommandCategoryOther},
		{"unknownbinary foo", models.CommandCategoryOther},
		{"", models.CommandCategoryOther},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, ClassifyCommand(c.cmd), "cmd %q", c.cmd)
	}
}

func TestClassifyCommandRedirectEscalatesToWrite(t *testing.T) {
	assert.Equal(t, models.CommandCategoryWrite, ClassifyCommand("cat a > b"))
	assert.Equal(t, models.CommandCategoryWrite, ClassifyCommand("echo x >> log.txt"))
}

func TestClassifyCommandStripsLeadingPath(t *testing.T) {
	assert.Equal(t, models.CommandCategoryRead, ClassifyCommand("/usr/bin/cat file.txt"))
}

func TestClassifyToolFileRead(t *testing.T) {
	action := ClassifyTool("Read", map[string]any{"file_path": "/a/b.go"})
	assert.Equal(t, models.ToolActionFileRead, action.Kind)
	assert.Equal(t, "/a/b.go", action.Path)
}

func TestClassifyToolCommandRunClassifiesCommand(t *testing.T) {
	action := ClassifyTool("Bash", map[string]any{"command": "rm -rf /tmp/x"})
	assert.Equal(t, models.ToolActionCommandRun, action.Kind)
	assert.Equal(t, models.CommandCategoryWrite, action.Category)
}

func TestClassifyToolSearch(t *testing.T) {
	action := ClassifyTool("grep", map[string]any{"pattern": "TODO"})
	assert.Equal(t, models.ToolActionSearch, action.Kind)
	assert.Equal(t, "TODO", action.Query)
}

func TestClassifyToolWebFetch(t *testing.T) {
	action := ClassifyTool("WebFetch", map[string]any{"url": "https://example.com"})
	assert.Equal(t, models.ToolActionWebFetch, action.Kind)
	assert.Equal(t, "https://example.com", action.URL)
}

func TestClassifyToolUnknownFallsBackToGeneric(t *testing.T) {
	input := map[string]any{"foo": "bar"}
	action := ClassifyTool("CustomTool", input)
	assert.Equal(t, models.ToolActionTool, action.Kind)
	assert.Equal(t, "CustomTool", action.Name)
	assert.Equal(t, input, action.Args)
}

func TestClassifyToolCaseInsensitive(t *testing.T) {
	action := ClassifyTool("BASH", map[string]any{"cmd": "ls"})
	assert.Equal(t, models.ToolActionCommandRun, action.Kind)
}
