package generator

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
	"github.com/elad-bar/ha-blueiris/pkg/entities"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
)

type fakeIDs map[string]string

func (f fakeIDs) Lookup(uniqueID string) (registry.Entry, bool) {
	id, ok := f[uniqueID]
	return registry.Entry{UniqueID: uniqueID, EntityID: id}, ok
}

func fixture() (blueiris.Snapshot, []entities.Entity) {
	snapshot := blueiris.Snapshot{
		Cameras: []blueiris.Camera{
			blueiris.NewCamera(blueiris.Attributes{"optionValue": "Cam1", "optionDisplay": "Front"}),
			blueiris.NewCamera(blueiris.Attributes{"optionValue": "Index", "optionDisplay": "All cameras"}),
		},
	}

	items := []entities.Entity{
		{
			ID: "Cam1", UniqueID: "blueiris-camera-Home Front", Name: "Home Front", Domain: entities.DomainCamera,
			Camera: &entities.CameraDetails{StreamSource: "http://bi:81/h264/Cam1/temp.m3u8?session=abc"},
		},
		{
			ID: "Index", UniqueID: "blueiris-camera-Home All cameras", Name: "Home All cameras", Domain: entities.DomainCamera,
			Camera: &entities.CameraDetails{StreamSource: "http://bi:81/h264/Index/temp.m3u8?session=abc"},
		},
		{
			ID: "Cam1", UniqueID: "blueiris-binary_sensor-Home Front Motion", Name: "Home Front Motion",
			Domain: entities.DomainBinarySensor, Topic: "BlueIris/Cam1/Status",
		},
		{
			ID: "Cam1", UniqueID: "blueiris-binary_sensor-Home Front Connectivity", Name: "Home Front Connectivity",
			Domain: entities.DomainBinarySensor, Topic: "BlueIris/Cam1/Status",
		},
		{
			UniqueID: "blueiris-binary_sensor-MAIN-Home Alerts", Name: "Home Alerts", Domain: entities.DomainBinarySensor,
		},
		{
			ID: "1", UniqueID: "blueiris-switch-Profile-Home Profile Away", Name: "Home Profile Away", Domain: entities.DomainSwitch,
		},
	}

	return snapshot, items
}

func newTestGenerator(t *testing.T) *Generator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ids := fakeIDs{"blueiris-camera-Home Front": "camera.front_door"}
	return New(filepath.Join(t.TempDir(), "config"), "My Home", ids, logger)
}

func TestLovelace(t *testing.T) {
	g := newTestGenerator(t)
	snapshot, items := fixture()

	lovelace := g.Lovelace(snapshot, items)

	require.Len(t, lovelace.Views, 1)
	cards := lovelace.Views[0].Cards
	require.Len(t, cards, 3)

	assert.Equal(t, "All cameras", cards[0].Title, "system cameras come first")
	assert.Equal(t, "camera.home_all_cameras", cards[0].CameraImage)
	assert.Empty(t, cards[0].Entities)

	assert.Equal(t, "camera.front_door", cards[1].CameraImage, "registry entity ids win")
	assert.Equal(t, []string{
		"binary_sensor.home_front_connectivity",
		"binary_sensor.home_front_motion",
	}, cards[1].Entities)

	assert.Equal(t, "entities", cards[2].Type)
	assert.Equal(t, []string{"binary_sensor.home_alerts", "switch.home_profile_away"}, cards[2].Entities)
}

func TestComponents(t *testing.T) {
	g := newTestGenerator(t)
	snapshot, items := fixture()

	components := g.Components(snapshot, items)

	selects := components.InputSelect["blueiris_my_home_camera"]
	assert.Equal(t, []string{"Front", "All cameras"}, selects.Options)

	stream := components.InputText["blueiris_my_home_stream_cam1"]
	assert.Equal(t, "http://bi:81/h264/Cam1/temp.m3u8?session=abc", stream.Initial)
	assert.Equal(t, "My Home Front Stream", stream.Name)
}

func TestGenerate_WritesFiles(t *testing.T) {
	g := newTestGenerator(t)
	snapshot, items := fixture()

	files, err := g.Generate(snapshot, items)
	require.NoError(t, err)
	assert.Equal(t, []string{g.LovelacePath(), g.ComponentsPath()}, files)
	assert.Equal(t, "my_home.lovelace.yaml", filepath.Base(g.LovelacePath()))

	data, err := os.ReadFile(g.LovelacePath())
	require.NoError(t, err)

	var lovelace Lovelace
	require.NoError(t, yaml.Unmarshal(data, &lovelace))
	assert.Equal(t, "My Home", lovelace.Title)
	assert.Len(t, lovelace.Views[0].Cards, 3)

	data, err = os.ReadFile(g.ComponentsPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "input_select:")
	assert.Contains(t, string(data), "blueiris_my_home_camera:")
}
