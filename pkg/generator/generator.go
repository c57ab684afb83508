// Package generator writes Home Assistant dashboard and helper YAML for the
// cameras of one server.
package generator

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/elad-bar/ha-blueiris/pkg/blueiris"
	"github.com/elad-bar/ha-blueiris/pkg/common"
	"github.com/elad-bar/ha-blueiris/pkg/entities"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
)

// maxTextLength is the longest value an input_text accepts.
const maxTextLength = 255

type EntityIDs interface {
	Lookup(uniqueID string) (registry.Entry, bool)
}

type Lovelace struct {
	Title string `yaml:"title"`
	Views []View `yaml:"views"`
}

type View struct {
	Title string `yaml:"title"`
	Path  string `yaml:"path"`
	Icon  string `yaml:"icon,omitempty"`
	Cards []Card `yaml:"cards"`
}

type Card struct {
	Type        string   `yaml:"type"`
	Title       string   `yaml:"title,omitempty"`
	CameraImage string   `yaml:"camera_image,omitempty"`
	CameraView  string   `yaml:"camera_view,omitempty"`
	Entities    []string `yaml:"entities"`
}

type InputSelect struct {
	Name    string   `yaml:"name"`
	Icon    string   `yaml:"icon,omitempty"`
	Options []string `yaml:"options"`
}

type InputText struct {
	Name    string `yaml:"name"`
	Initial string `yaml:"initial"`
	Max     int    `yaml:"max"`
	Mode    string `yaml:"mode,omitempty"`
}

type Components struct {
	InputSelect map[string]InputSelect `yaml:"input_select"`
	InputText   map[string]InputText   `yaml:"input_text,omitempty"`
}

type Generator struct {
	dir    string
	title  string
	ids    EntityIDs
	logger *logrus.Logger
}

func New(dir, title string, ids EntityIDs, logger *logrus.Logger) *Generator {
	return &Generator{
		dir:    dir,
		title:  title,
		ids:    ids,
		logger: logger,
	}
}

func (g *Generator) LovelacePath() string {
	return filepath.Join(g.dir, common.Slugify(g.title)+".lovelace.yaml")
}

func (g *Generator) ComponentsPath() string {
	return filepath.Join(g.dir, common.Slugify(g.title)+".components.yaml")
}

// Generate writes both files and returns their paths.
func (g *Generator) Generate(snapshot blueiris.Snapshot, items []entities.Entity) ([]string, error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	files := []struct {
		path    string
		content any
	}{
		{g.LovelacePath(), g.Lovelace(snapshot, items)},
		{g.ComponentsPath(), g.Components(snapshot, items)},
	}

	written := make([]string, 0, len(files))
	for _, file := range files {
		data, err := yaml.Marshal(file.content)
		if err != nil {
			return written, fmt.Errorf("failed to marshal %s: %w", filepath.Base(file.path), err)
		}
		if err := os.WriteFile(file.path, data, 0o644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", file.path, err)
		}
		written = append(written, file.path)

		g.logger.WithField("path", file.path).Info("Generated config file")
	}

	return written, nil
}

func (g *Generator) entityID(entity entities.Entity) string {
	if row, ok := g.ids.Lookup(entity.UniqueID); ok {
		return row.EntityID
	}
	return string(entity.Domain) + "." + common.Slugify(entity.Name)
}

// Lovelace builds one view with system camera cards first, then user
// cameras, then a card with the server entities.
func (g *Generator) Lovelace(snapshot blueiris.Snapshot, items []entities.Entity) Lovelace {
	cameras := make(map[string]entities.Entity)
	sensors := make(map[string][]string)
	var server []string

	for _, entity := range items {
		switch {
		case entity.Domain == entities.DomainCamera:
			cameras[entity.ID] = entity
		case entity.Domain == entities.DomainBinarySensor && entity.Topic != "":
			sensors[entity.ID] = append(sensors[entity.ID], g.entityID(entity))
		default:
			server = append(server, g.entityID(entity))
		}
	}

	var systemCards, userCards []Card
	for _, camera := range snapshot.Cameras {
		entity, ok := cameras[camera.ID]
		if !ok {
			continue
		}

		cameraSensors := sensors[camera.ID]
		slices.Sort(cameraSensors)
		if cameraSensors == nil {
			cameraSensors = []string{}
		}

		card := Card{
			Type:        "picture-glance",
			Title:       camera.Name,
			CameraImage: g.entityID(entity),
			CameraView:  "auto",
			Entities:    cameraSensors,
		}
		if camera.IsSystem {
			systemCards = append(systemCards, card)
		} else {
			userCards = append(userCards, card)
		}
	}

	slices.Sort(server)
	cards := append(systemCards, userCards...)
	if len(server) > 0 {
		cards = append(cards, Card{
			Type:     "entities",
			Title:    fmt.Sprintf("%s Server", g.title),
			Entities: server,
		})
	}

	return Lovelace{
		Title: g.title,
		Views: []View{
			{
				Title: g.title,
				Path:  common.Slugify(g.title),
				Icon:  "mdi:cctv",
				Cards: cards,
			},
		},
	}
}

// Components builds an input_select of camera names and one input_text per
// camera holding its stream URL.
func (g *Generator) Components(snapshot blueiris.Snapshot, items []entities.Entity) Components {
	prefix := common.Domain + "_" + common.Slugify(g.title)

	streams := make(map[string]string)
	for _, entity := range items {
		if entity.Domain == entities.DomainCamera && entity.Camera != nil {
			streams[entity.ID] = entity.Camera.StreamSource
		}
	}

	var options []string
	texts := make(map[string]InputText)
	for _, camera := range snapshot.Cameras {
		stream, ok := streams[camera.ID]
		if !ok {
			continue
		}
		options = append(options, camera.Name)

		if len(stream) > maxTextLength {
			g.logger.WithField("camera", camera.ID).Warn("Stream URL too long for input_text, skipping")
			continue
		}
		texts[prefix+"_stream_"+common.Slugify(camera.ID)] = InputText{
			Name:    strings.TrimSpace(fmt.Sprintf("%s %s Stream", g.title, camera.Name)),
			Initial: stream,
			Max:     maxTextLength,
		}
	}
	if options == nil {
		options = []string{}
	}

	return Components{
		InputSelect: map[string]InputSelect{
			prefix + "_camera": {
				Name:    fmt.Sprintf("%s Camera", g.title),
				Icon:    "mdi:camera",
				Options: options,
			},
		},
		InputText: texts,
	}
}
