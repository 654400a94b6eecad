package plugin

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontclaw/backend/internal/permission"
)

func writePlugin(t *testing.T, root, dirName string, manifest map[string]interface{}) string {
	t.Helper()
	dir := filepath.Join(root, dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# plugin"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main"), []byte("#!/bin/true"), 0o755))
	return dir
}

func baseManifest(id string, priority int) map[string]interface{} {
	return map[string]interface{}{
		"id":          id,
		"name":        "Plugin " + id,
		"version":     "1.0.0",
		"main":        "main",
		"priority":    priority,
		"permissions": map[string]interface{}{},
	}
}

func quietLoader() LoadOptions {
	return LoadOptions{Logger: log.New(io.Discard, "", 0)}
}

func TestLoadDir_SortsByPriorityThenID(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "one", baseManifest("zeta", 10))
	writePlugin(t, root, "two", baseManifest("alpha", 10))
	writePlugin(t, root, "three", baseManifest("first", 1))

	loaded, err := LoadDir(root, quietLoader())
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "first", loaded[0].Manifest.ID)
	assert.Equal(t, "alpha", loaded[1].Manifest.ID)
	assert.Equal(t, "zeta", loaded[2].Manifest.ID)
}

func TestLoadDir_BadPluginDoesNotBlockOthers(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "good", baseManifest("good", 100))

	// broken: invalid id and missing version
	broken := baseManifest("Not-Valid-ID", 100)
	delete(broken, "version")
	writePlugin(t, root, "broken", broken)

	// no manifest at all
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	loaded, err := LoadDir(root, quietLoader())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "good", loaded[0].Manifest.ID)
}

func TestLoadDir_DisabledAndDenied(t *testing.T) {
	root := t.TempDir()
	disabled := baseManifest("sleeper", 100)
	disabled["enabled"] = false
	writePlugin(t, root, "sleeper", disabled)
	writePlugin(t, root, "banned", baseManifest("banned", 100))
	writePlugin(t, root, "active", baseManifest("active", 100))

	opts := quietLoader()
	opts.Deny = []string{"banned"}
	loaded, err := LoadDir(root, opts)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "active", loaded[0].Manifest.ID)
}

func TestLoadDir_ConfigMerge(t *testing.T) {
	root := t.TempDir()
	m := baseManifest("cfg", 100)
	m["defaultConfig"] = map[string]interface{}{"model": "small", "retries": 2}
	writePlugin(t, root, "cfg", m)

	opts := quietLoader()
	opts.ConfigOverrides = map[string]map[string]interface{}{
		"cfg": {"model": "large"},
	}
	loaded, err := LoadDir(root, opts)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "large", loaded[0].Config["model"])
	assert.EqualValues(t, 2, loaded[0].Config["retries"])
}

func TestLoadDir_MissingEntryFile(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "noentry", baseManifest("noentry", 100))
	require.NoError(t, os.Remove(filepath.Join(dir, "main")))

	loaded, err := LoadDir(root, quietLoader())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadDir_EntryEscapeRejected(t *testing.T) {
	root := t.TempDir()
	m := baseManifest("escape", 100)
	m["main"] = "../../etc/passwd"
	writePlugin(t, root, "escape", m)

	loaded, err := LoadDir(root, quietLoader())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadDir_MissingReadme(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "noreadme", baseManifest("noreadme", 100))
	require.NoError(t, os.Remove(filepath.Join(dir, "README.md")))

	loaded, err := LoadDir(root, quietLoader())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadDir_DuplicateID(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "a-dir", baseManifest("same", 100))
	writePlugin(t, root, "b-dir", baseManifest("same", 100))

	loaded, err := LoadDir(root, quietLoader())
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestLoadDir_VerifierHook(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "signed", baseManifest("signed", 100))
	writePlugin(t, root, "unsigned", baseManifest("unsigned", 100))

	opts := quietLoader()
	opts.Verifier = func(rec *Loaded) error {
		if rec.Manifest.ID == "unsigned" {
			return fmt.Errorf("no signature")
		}
		return nil
	}
	loaded, err := LoadDir(root, opts)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "signed", loaded[0].Manifest.ID)
}

func TestManifest_ValidateCollectsAllErrors(t *testing.T) {
	m := &Manifest{ID: "Bad ID", Version: "1.2"}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id:")
	assert.Contains(t, err.Error(), "version:")
	assert.Contains(t, err.Error(), "name:")
	assert.Contains(t, err.Error(), "main:")
	assert.Contains(t, err.Error(), "permissions:")
}

func TestManifest_DBAccessValidation(t *testing.T) {
	m := &Manifest{
		ID: "ok", Name: "ok", Version: "1.0.0", Main: "main",
		Permissions: &permission.Grants{DB: &permission.DBGrant{Tables: []string{"items"}, Access: "read-everything"}},
	}
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions.db.access")
}

func TestManifest_Defaults(t *testing.T) {
	m := &Manifest{}
	assert.Equal(t, 100, m.EffectivePriority())
	assert.True(t, m.IsEnabled())
	assert.NotNil(t, m.Grants())
}
