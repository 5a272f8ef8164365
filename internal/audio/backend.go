package audio

import (
	"fmt"
	"io"
	"strings"

	"github.com/audiolibrelab/voxcapture/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeAuto     BackendType = "auto"
)

// NewSource creates a microphone source. PipeWire is the only capture
// backend, so "auto" and "pipewire" both land here.
func NewSource(cfg config.CaptureConfig, logWriter io.Writer) Source {
	return NewPipeWireSource(cfg, logWriter)
}

// ResolveBackend maps a capture.backend value to the backend that will
// actually record
func ResolveBackend(name string) (BackendType, error) {
	switch BackendType(strings.ToLower(name)) {
	case BackendTypePipeWire, BackendTypeAuto, "":
		return BackendTypePipeWire, nil
	}
	return "", fmt.Errorf("unknown capture backend %q (available: %v)", name, GetAvailableBackends())
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypePipeWire}
}
