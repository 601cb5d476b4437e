package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openclaw/soulflow/internal/models"
	"github.com/openclaw/soulflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSystem(t *testing.T) (*System, string) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	return NewSystem(store, root, zap.NewNop()), root
}

func TestInitWorkspaces(t *testing.T) {
	sys, root := newTestSystem(t)

	require.NoError(t, sys.InitWorkspaces())

	for _, role := range models.Roles() {
		persona := filepath.Join(root, string(role), "PERSONA.md")
		data, err := os.ReadFile(persona)
		require.NoError(t, err, "persona for %s", role)
		assert.Contains(t, string(data), strings.ToUpper(string(role))+" Agent")
		assert.Contains(t, string(data), "## Capabilities")
	}
}

func TestInitWorkspacesKeepsExistingPersona(t *testing.T) {
	sys, root := newTestSystem(t)

	dir := filepath.Join(root, string(models.RoleDeveloper))
	require.NoError(t, os.MkdirAll(dir, 0755))
	custom := []byte("# Customized developer persona\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PERSONA.md"), custom, 0644))

	require.NoError(t, sys.InitWorkspaces())

	data, err := os.ReadFile(filepath.Join(dir, "PERSONA.md"))
	require.NoError(t, err)
	assert.Equal(t, custom, data, "existing persona files are left untouched")
}

func TestRegisterAndStats(t *testing.T) {
	sys, _ := newTestSystem(t)

	dev, err := sys.Register(models.RoleDeveloper)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDeveloper, dev.AgentRole)
	assert.Equal(t, models.SessionStatusIdle, dev.Status)

	_, err = sys.Register(models.RoleTester)
	require.NoError(t, err)

	require.NoError(t, sys.Heartbeat(dev.ID))

	stats, err := sys.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 2)
}

func TestDefinitionForCoversEveryRole(t *testing.T) {
	for _, role := range models.Roles() {
		def := DefinitionFor(role)
		assert.Equal(t, role, def.Role)
		assert.NotEmpty(t, def.Persona)
		assert.NotEmpty(t, def.Capabilities)
	}
}
