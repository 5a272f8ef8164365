package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRecording is returned by Start while a recording is in progress
	ErrAlreadyRecording = errors.New("already recording")

	// ErrUploadInProgress is returned while the previous clip is still being delivered
	ErrUploadInProgress = errors.New("upload in progress")

	// ErrNoClip is returned by Upload when nothing has been recorded
	ErrNoClip = errors.New("no audio recorded")

	// ErrClosed is returned by Start after Close
	ErrClosed = errors.New("session closed")
)

// DeviceError reports that the microphone could not be opened, either
// because permission was denied or no input device exists
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("failed to open microphone: %v", e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
