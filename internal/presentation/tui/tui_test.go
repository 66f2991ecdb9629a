package tui_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waymark/internal/presentation/tui"
	"github.com/aretw0/waymark/pkg/domain"
)

func TestNewRenderer_PlainWhenPiped(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, tui.IsTerminal(&buf))

	out, err := tui.NewRenderer(&buf)("# Status\n\n- stage: init")
	require.NoError(t, err)
	assert.Equal(t, "# Status\n\n- stage: init", out)
}

func TestNewMarkdownRenderer(t *testing.T) {
	render, err := tui.NewMarkdownRenderer(glamour.WithStandardStyle("notty"), glamour.WithWordWrap(80))
	require.NoError(t, err)

	out, err := render("# Status\n\nStage **init**")
	require.NoError(t, err)
	assert.Contains(t, out, "Status")
	assert.Contains(t, out, "init")
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	tui.PrintBanner(&buf)
	assert.Equal(t, 7, strings.Count(buf.String(), "\n"))
	assert.NotContains(t, buf.String(), "\x1b[", "no color escapes when not a terminal")
}

func TestSessionMarkdown(t *testing.T) {
	s := domain.NewSession("s1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Stage = domain.StageDatabaseAnalysis
	s.History = []domain.Stage{domain.StageInit, domain.StageInstanceSelection}
	s.Fields.InstanceID = "a|b"

	md := tui.SessionMarkdown(domain.Describe(s), []string{"list_databases"})
	assert.Contains(t, md, "# Session `s1`")
	assert.Contains(t, md, "**Stage:** `database_analysis`")
	assert.Contains(t, md, `| instance_id | a\|b |`)
	assert.Contains(t, md, "| database_name | - |")
	assert.Contains(t, md, "Tools available now: list_databases")
	assert.Contains(t, md, "`init` → `instance_selection`")
	assert.NotContains(t, md, "Missing for this stage")
}
