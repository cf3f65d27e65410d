package safety_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/safety"
	"github.com/ShayCichocki/colony/pkg/models"
)

func TestAssessRisk(t *testing.T) {
	tests := map[string]struct {
		action      string
		context     map[string]any
		expLevel    models.RiskLevel
		expApproval bool
		expReasons  int
	}{
		"Plain action is low risk.": {
			action:   "Summarize the meeting notes",
			expLevel: models.RiskLow,
		},
		"High-risk keyword makes the action high risk.": {
			action:      "Delete the stale branches",
			expLevel:    models.RiskHigh,
			expApproval: true,
			expReasons:  1,
		},
		"Approval keyword is medium risk but needs approval.": {
			action:      "Publish the newsletter",
			expLevel:    models.RiskMedium,
			expApproval: true,
			expReasons:  1,
		},
		"Sensitive data alone is medium risk without approval.": {
			action:     "Rotate the password hints page copy",
			expLevel:   models.RiskMedium,
			expReasons: 1,
		},
		"Matching is a case-insensitive substring test.": {
			action:      "Review the SECURITY.md wording",
			expLevel:    models.RiskHigh,
			expApproval: true,
			expReasons:  1,
		},
		"Context details are scanned too.": {
			action:      "Run the job",
			context:     map[string]any{"details": "against production"},
			expLevel:    models.RiskHigh,
			expApproval: true,
			expReasons:  1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c := safety.NewDefault()
			got := c.AssessRisk(test.action, test.context)
			assert.Equal(t, test.expLevel, got.Level)
			assert.Equal(t, test.expApproval, got.RequiresApproval)
			assert.Len(t, got.Reasons, test.expReasons)
		})
	}
}

func TestReviewPlan(t *testing.T) {
	c := safety.NewDefault()

	ok := c.ReviewPlan(models.Plan{Steps: []models.Step{
		{ID: "1", Description: "Deploy the docs site"},
		{ID: "2", Description: "Write release notes"},
	}})
	assert.True(t, ok.Approved)
	assert.Empty(t, ok.Issues)
	assert.NotEmpty(t, ok.Warnings)

	rejected := c.ReviewPlan(models.Plan{Steps: []models.Step{
		{ID: "1", Description: "Drop database users and start fresh"},
	}})
	assert.False(t, rejected.Approved)
	require.Len(t, rejected.Issues, 1)
	assert.Contains(t, rejected.Reason(), "drop database")
}

func TestCheckClaim(t *testing.T) {
	c := safety.NewDefault()
	sources := []string{
		"The scheduler returns tasks by priority and then by insertion order.",
		"Workers claim rows with a conditional update.",
	}

	got := c.CheckClaim("Workers claim rows", sources)
	assert.True(t, got.Supported)
	assert.Equal(t, []int{1}, got.Sources)
	assert.Empty(t, got.Missing)

	got = c.CheckClaim("Workers claim rows using leases", sources)
	assert.False(t, got.Supported)
	assert.Equal(t, []string{"using", "leases"}, got.Missing)

	got = c.CheckClaim("anything", nil)
	assert.False(t, got.Supported)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	extend := filepath.Join(dir, "extend.yaml")
	require.NoError(t, os.WriteFile(extend, []byte("safety:\n  high_risk: [\"Reboot\"]\n"), 0o644))
	c := safety.NewDefault()
	require.NoError(t, c.LoadFile(extend))
	assert.Equal(t, models.RiskHigh, c.AssessRisk("reboot the router", nil).Level)
	assert.Equal(t, models.RiskHigh, c.AssessRisk("delete logs", nil).Level)

	replace := filepath.Join(dir, "replace.yaml")
	require.NoError(t, os.WriteFile(replace, []byte("replace: true\nsafety:\n  high_risk: [\"reboot\"]\n"), 0o644))
	require.NoError(t, c.LoadFile(replace))
	assert.Equal(t, models.RiskLow, c.AssessRisk("delete logs", nil).Level)
	assert.Equal(t, []string{"reboot"}, c.Keywords().HighRisk)

	assert.Error(t, c.LoadFile(filepath.Join(dir, "missing.yaml")))
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keywords.yaml")
	require.NoError(t, os.WriteFile(path, []byte("replace: true\nsafety:\n  high_risk: [\"alpha\"]\n"), 0o644))

	c := safety.NewDefault()
	require.NoError(t, c.LoadFile(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("replace: true\nsafety:\n  high_risk: [\"beta\"]\n"), 0o644))

	assert.Eventually(t, func() bool {
		return c.AssessRisk("beta launch", nil).Level == models.RiskHigh
	}, 2*time.Second, 20*time.Millisecond)
}
