package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rymfhm/qubic/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDetectFormat tests format detection based on file extensions
func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     Format
	}{
		{name: "markdown .md extension", filename: "plan.md", want: FormatMarkdown},
		{name: "markdown .markdown extension", filename: "transfer.markdown", want: FormatMarkdown},
		{name: "YAML .yaml extension", filename: "plan.yaml", want: FormatYAML},
		{name: "YAML .yml extension", filename: "plan.YML", want: FormatYAML},
		{name: "JSON extension", filename: "plan.json", want: FormatJSON},
		{name: "unknown .txt extension", filename: "readme.txt", want: FormatUnknown},
		{name: "no extension", filename: "planfile", want: FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.filename))
		})
	}
}

const yamlPlan = `
plan_id: transfer-demo
steps:
  - step_id: 1
    type: check_balance
    parameters:
      wallet_address: "0x1234567890abcdef"
  - type: policy_check
    parameters:
      policy_id: policy_transaction_ab12cd34
  - step_id: "3"
    type: onchain_action
    requires_approval: true
    parameters:
      to_address: "0xfeed"
      amount: 12.5
      memo:
        note: nested values survive
`

func TestParseYAMLPlan(t *testing.T) {
	doc, err := NewYAMLParser().Parse(strings.NewReader(yamlPlan))
	require.NoError(t, err)
	plan, err := doc.Plan("")
	require.NoError(t, err)

	assert.Equal(t, "transfer-demo", plan.ID)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "1", plan.Steps[0].ID)
	assert.Equal(t, "2", plan.Steps[1].ID, "missing id defaults to the 1-based position")
	assert.Equal(t, "3", plan.Steps[2].ID)
	assert.True(t, plan.Steps[2].RequiresApproval)

	onchain := plan.Steps[2].Params.(models.OnchainParams)
	assert.Equal(t, "0xfeed", onchain.ToAddress)
	assert.Equal(t, 12.5, onchain.AmountValue())
}

func TestParseYAMLPlanWrapper(t *testing.T) {
	content := `
plan:
  plan_id: wrapped
  steps:
    - type: generic_action
      parameters:
        anything: [1, 2]
`
	doc, err := NewYAMLParser().Parse(strings.NewReader(content))
	require.NoError(t, err)
	plan, err := doc.Plan("fallback")
	require.NoError(t, err)
	assert.Equal(t, "wrapped", plan.ID)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, models.KindGenericAction, plan.Steps[0].Kind)
}

func TestParseYAMLInvalid(t *testing.T) {
	_, err := NewYAMLParser().Parse(strings.NewReader("steps: [unclosed"))
	require.Error(t, err)

	doc, err := NewYAMLParser().Parse(strings.NewReader("plan_id: x\nsteps:\n  - type: launch_rocket\n"))
	require.NoError(t, err)
	_, err = doc.Plan("")
	assert.True(t, models.IsValidationError(err))
}

const markdownPlan = "---\n" +
	"plan_id: md-transfer\n" +
	"---\n" +
	"# Transfer funds\n\n" +
	"Moves funds after checks.\n\n" +
	"## Step 1: check_balance\n\n" +
	"Confirm the sender can pay.\n\n" +
	"```yaml\n" +
	"wallet_address: \"0x1234567890abcdef\"\n" +
	"```\n\n" +
	"## Step 2: policy_check\n\n" +
	"```yaml\n" +
	"policy_id: policy_transaction_ab12cd34\n" +
	"```\n\n" +
	"## Step 3: onchain_action\n\n" +
	"**Requires approval**: yes\n\n" +
	"### Notes\n\n" +
	"Sub-headings stay inside the step.\n\n" +
	"```yaml\n" +
	"to_address: \"0xfeed\"\n" +
	"amount: 40\n" +
	"```\n\n" +
	"```go\n" +
	"// ignored: not a parameters block\n" +
	"```\n\n" +
	"# Appendix\n\n" +
	"```yaml\n" +
	"ignored: true\n" +
	"```\n"

func TestParseMarkdownPlan(t *testing.T) {
	doc, err := NewMarkdownParser().Parse(strings.NewReader(markdownPlan))
	require.NoError(t, err)
	plan, err := doc.Plan("")
	require.NoError(t, err)

	assert.Equal(t, "md-transfer", plan.ID)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, models.KindCheckBalance, plan.Steps[0].Kind)
	assert.False(t, plan.Steps[0].RequiresApproval)
	assert.Equal(t, "0x1234567890abcdef", plan.Steps[0].Params.(models.CheckBalanceParams).WalletAddress)
	assert.Equal(t, models.KindPolicyCheck, plan.Steps[1].Kind)
	assert.Equal(t, "3", plan.Steps[2].ID)
	assert.True(t, plan.Steps[2].RequiresApproval)
	assert.Equal(t, 40.0, plan.Steps[2].Params.(models.OnchainParams).AmountValue())
}

func TestParseMarkdownInvalidBlock(t *testing.T) {
	content := "## Step 1: generic_action\n\n```yaml\n: : :\n  - [\n```\n"
	_, err := NewMarkdownParser().Parse(strings.NewReader(content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "transfer.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlPlan), 0644))
	plan, err := ParseFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "transfer-demo", plan.ID)

	jsonPath := filepath.Join(dir, "nightly.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"steps":[{"type":"generic_action","parameters":{"n":1}}]}`), 0644))
	plan, err = ParseFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "nightly", plan.ID, "plan id defaults to the file name")
	assert.Equal(t, "1", plan.Steps[0].ID)

	_, err = ParseFile(filepath.Join(dir, "plan.txt"))
	assert.ErrorContains(t, err, "unknown file format")

	_, err = ParseFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestParseFixtures(t *testing.T) {
	tests := []struct {
		file      string
		wantID    string
		wantSteps int
		wantGated []string
	}{
		{file: "transfer.yaml", wantID: "demo-transfer", wantSteps: 3, wantGated: []string{"3"}},
		{file: "monitor.md", wantID: "demo-monitor", wantSteps: 2},
		{file: "nightly.json", wantID: "demo-nightly", wantSteps: 2, wantGated: []string{"report"}},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			plan, err := ParseFile(filepath.Join("testdata", tt.file))
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, plan.ID)
			assert.Len(t, plan.Steps, tt.wantSteps)

			var gated []string
			for _, s := range plan.Steps {
				if s.RequiresApproval {
					gated = append(gated, s.ID)
				}
			}
			assert.Equal(t, tt.wantGated, gated)
		})
	}
}
