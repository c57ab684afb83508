package entities

import (
	"strings"
	"sync"
)

// ShadowState holds the last raw signal received per topic and event type.
// It outlives the entities built from it.
type ShadowState struct {
	mutex  sync.RWMutex
	states map[string]bool
}

func NewShadowState() *ShadowState {
	return &ShadowState{states: make(map[string]bool)}
}

func shadowKey(topic, eventType string) string {
	return strings.ToLower(topic + "_" + eventType)
}

func (s *ShadowState) Get(topic, eventType string, def bool) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if value, ok := s.states[shadowKey(topic, eventType)]; ok {
		return value
	}
	return def
}

func (s *ShadowState) Set(topic, eventType string, value bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.states[shadowKey(topic, eventType)] = value
}

func (s *ShadowState) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.states)
}
