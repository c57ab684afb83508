package blueiris

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// System pseudo-camera ids: "All cameras" and "All cameras; cycle".
const (
	SystemCameraAllID   = "Index"
	SystemCameraCycleID = "@Index"
)

var SystemCameraIDs = []string{SystemCameraAllID, SystemCameraCycleID}

// Attributes is a raw JSON object as returned by the server.
type Attributes map[string]any

func (a Attributes) Has(key string) bool {
	v, ok := a[key]
	return ok && v != nil
}

func (a Attributes) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (a Attributes) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Int returns the value at key or def when missing or not numeric.
func (a Attributes) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (a Attributes) Strings(key string) []string {
	items, ok := a[key].([]any)
	if !ok {
		return nil
	}

	result := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			result = append(result, v)
		case nil:
		default:
			result = append(result, fmt.Sprint(v))
		}
	}
	return result
}

func (a Attributes) clone() Attributes {
	c := make(Attributes, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Camera is one entry of the camlist response.
type Camera struct {
	ID       string
	Name     string
	HasAudio bool
	IsOnline bool
	IsGroup  bool
	IsSystem bool
	Type     string
	// GroupCameras lists member camera ids for group cameras.
	GroupCameras []string
	Raw          Attributes
}

func NewCamera(raw Attributes) Camera {
	id := raw.String("optionValue")
	return Camera{
		ID:           id,
		Name:         raw.String("optionDisplay"),
		HasAudio:     raw.Bool("audio"),
		IsOnline:     raw.Bool("isOnline"),
		IsGroup:      raw.Has("group"),
		IsSystem:     IsSystemCamera(id),
		Type:         raw.String("type"),
		GroupCameras: raw.Strings("group"),
		Raw:          raw,
	}
}

func IsSystemCamera(id string) bool {
	return slices.Contains(SystemCameraIDs, id)
}

// LoginData is the data block of a successful login.
type LoginData struct {
	Admin      bool
	Profiles   []string
	Schedules  []string
	Version    string
	SystemName string
	Raw        Attributes
}

func NewLoginData(raw Attributes) LoginData {
	return LoginData{
		Admin:      raw.Bool("admin"),
		Profiles:   raw.Strings("profiles"),
		Schedules:  raw.Strings("schedules"),
		Version:    raw.String("version"),
		SystemName: raw.String("system name"),
		Raw:        raw,
	}
}

// Status is the data block of the status command.
type Status struct {
	Profile  int
	Schedule string
	Lock     int
	Raw      Attributes
}

func NewStatus(raw Attributes) Status {
	return Status{
		Profile:  raw.Int("profile", 0),
		Schedule: raw.String("schedule"),
		Lock:     raw.Int("lock", 0),
		Raw:      raw,
	}
}

// Snapshot is the immutable result of one refresh.
type Snapshot struct {
	Cameras   []Camera
	Data      LoginData
	Status    Status
	BaseURL   string
	SessionID string
	FetchedAt time.Time

	// CamerasLoaded is false until a camera list was received, so an empty
	// Cameras slice is not mistaken for a server without cameras.
	CamerasLoaded bool
}

func (s *Snapshot) Camera(id string) (Camera, bool) {
	for _, camera := range s.Cameras {
		if camera.ID == id {
			return camera, true
		}
	}
	return Camera{}, false
}
