package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfiles = `
extractors:
  heuristic-palette:
    tier: FAST
    weight: 1.0
    cost_per_call: 0
    timeout_seconds: 10
    enabled: true
    kinds: [color, spacing]
    description: local CV palette pass
  gpt-vision:
    tier: MEDIUM
    weight: 1.2
    cost_per_call: 0.05
    timeout_seconds: 60
    required: true
    enabled: true
    provider: openai-gpt4o
    kinds: [color, typography]
    schema:
      type: array
      items:
        type: object
        required: [kind, name]
`

func writeProfiles(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "extractors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRegistryLoadsDefinitions(t *testing.T) {
	reg, err := NewRegistry(writeProfiles(t, sampleProfiles))
	require.NoError(t, err)

	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, snap.Definitions, 2)

	def, ok := reg.Definition("gpt-vision")
	require.True(t, ok)
	assert.Equal(t, "MEDIUM", def.Tier)
	assert.True(t, def.Required)
	assert.NotNil(t, def.CompiledSchema())

	cheap, ok := reg.Definition("heuristic-palette")
	require.True(t, ok)
	assert.Nil(t, cheap.CompiledSchema())
	assert.Zero(t, cheap.CostPerCall)
}

func TestRegistryRejectsUnknownFields(t *testing.T) {
	_, err := NewRegistry(writeProfiles(t, `
extractors:
  bad:
    tier: FAST
    weight: 1.0
    timeout_seconds: 5
    enabled: true
    kinds: [color]
    not_a_field: true
`))
	require.Error(t, err)
}

func TestRegistryRejectsInvalidDefinition(t *testing.T) {
	_, err := NewRegistry(writeProfiles(t, `
extractors:
  broken:
    tier: WARP
    weight: 1.0
    timeout_seconds: 5
    enabled: true
    kinds: [color]
`))
	require.Error(t, err)
}

func TestRegistryHotReload(t *testing.T) {
	path := writeProfiles(t, sampleProfiles)
	reg, err := NewRegistry(path)
	require.NoError(t, err)

	changed := make(chan Snapshot, 1)
	reg.OnChange(func(s Snapshot) {
		select {
		case changed <- s:
		default:
		}
	})

	updated := sampleProfiles + `
  slow-audit:
    tier: SLOW
    weight: 0.8
    cost_per_call: 0.2
    timeout_seconds: 120
    enabled: true
    provider: openai-gpt4o
    kinds: [shadow]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case snap := <-changed:
		assert.Greater(t, snap.Version, int64(1))
		_, ok := snap.Definitions["slow-audit"]
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Skip("filesystem watcher did not fire in time")
	}
}
