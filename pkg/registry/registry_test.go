package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elad-bar/ha-blueiris/pkg/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()

	store := storage.NewStore(filepath.Join(t.TempDir(), ".blueiris"))
	return New(store), store
}

func TestRegistry_Register(t *testing.T) {
	reg, _ := newTestRegistry(t)

	row, err := reg.Register("binary_sensor", "blueiris-binary_sensor-BlueIris Cam1 Motion", "BlueIris Cam1 Motion", "BlueIris Cam1 (Cam1)")
	require.NoError(t, err)

	assert.Equal(t, "binary_sensor.blueiris_cam1_motion", row.EntityID)
	assert.False(t, row.Disabled)

	found, ok := reg.Lookup("blueiris-binary_sensor-BlueIris Cam1 Motion")
	require.True(t, ok)
	assert.Equal(t, row, found)
}

func TestRegistry_RegisterIsStable(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first, err := reg.Register("camera", "id-1", "BlueIris Cam1", "dev")
	require.NoError(t, err)
	second, err := reg.Register("camera", "id-1", "BlueIris Cam1", "dev")
	require.NoError(t, err)

	assert.Equal(t, first.EntityID, second.EntityID)
	assert.Len(t, reg.Entries(), 1)
}

func TestRegistry_EntityIDDeduplicated(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first, err := reg.Register("camera", "id-1", "BlueIris Cam1", "")
	require.NoError(t, err)
	second, err := reg.Register("camera", "id-2", "BlueIris Cam1", "")
	require.NoError(t, err)
	third, err := reg.Register("camera", "id-3", "BlueIris Cam1", "")
	require.NoError(t, err)

	assert.Equal(t, "camera.blueiris_cam1", first.EntityID)
	assert.Equal(t, "camera.blueiris_cam1_2", second.EntityID)
	assert.Equal(t, "camera.blueiris_cam1_3", third.EntityID)
}

func TestRegistry_PersistsAcrossInstances(t *testing.T) {
	reg, store := newTestRegistry(t)

	_, err := reg.Register("switch", "profile-1", "BlueIris Profile Away", "BlueIris Server")
	require.NoError(t, err)
	_, err = reg.SetDisabled("profile-1", true)
	require.NoError(t, err)
	reg.SetState("profile-1", true)

	restarted := New(store)
	row, ok := restarted.Lookup("profile-1")
	require.True(t, ok)
	assert.True(t, row.Disabled)
	assert.Equal(t, "switch.blueiris_profile_away", row.EntityID)
	assert.False(t, restarted.HasState("profile-1"), "live state is not persisted")
}

func TestRegistry_State(t *testing.T) {
	reg, _ := newTestRegistry(t)

	assert.False(t, reg.HasState("id"))
	reg.SetState("id", true)
	assert.True(t, reg.HasState("id"))
	reg.SetState("id", false)
	assert.False(t, reg.HasState("id"))
}

func TestRegistry_Remove(t *testing.T) {
	reg, store := newTestRegistry(t)

	_, err := reg.Register("camera", "id-1", "BlueIris Cam1", "")
	require.NoError(t, err)
	reg.SetState("id-1", true)

	require.NoError(t, reg.Remove("id-1"))
	require.NoError(t, reg.Remove("id-1"), "removing twice is a no-op")

	_, ok := reg.Lookup("id-1")
	assert.False(t, ok)
	assert.False(t, reg.HasState("id-1"))

	data, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, data.Entities)
}

func TestRegistry_SetDisabledUnknown(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.SetDisabled("missing", true)
	assert.ErrorIs(t, err, ErrNotFound)
}
