package engine

import (
	"fmt"

	"github.com/d1nch8g/aivoice/channel"
	"github.com/d1nch8g/aivoice/level"
)

// CaptureStatus reports whether the microphone came up.
type CaptureStatus int

const (
	CapturePending CaptureStatus = iota
	CaptureActive
	CaptureUnavailable
)

func (s CaptureStatus) String() string {
	switch s {
	case CapturePending:
		return "pending"
	case CaptureActive:
		return "active"
	case CaptureUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("CaptureStatus(%d)", int(s))
}

// Observer receives session signals. All methods are called from the session
// loop goroutine and must not block or call [Engine.Stop].
type Observer interface {
	// LocalLevel is the loudness of the last captured block.
	LocalLevel(l level.Level)

	// RemoteLevel is the loudness of the playback output, sampled on the
	// level interval.
	RemoteLevel(l level.Level)

	// ConnectionState reports every remote channel transition.
	ConnectionState(s channel.State)

	// CaptureStatus reports whether capture is running.
	CaptureStatus(s CaptureStatus)
}

// ObserverFuncs adapts plain functions to [Observer]. Nil fields are skipped.
type ObserverFuncs struct {
	OnLocalLevel      func(level.Level)
	OnRemoteLevel     func(level.Level)
	OnConnectionState func(channel.State)
	OnCaptureStatus   func(CaptureStatus)
}

var _ Observer = ObserverFuncs{}

func (f ObserverFuncs) LocalLevel(l level.Level) {
	if f.OnLocalLevel != nil {
		f.OnLocalLevel(l)
	}
}

func (f ObserverFuncs) RemoteLevel(l level.Level) {
	if f.OnRemoteLevel != nil {
		f.OnRemoteLevel(l)
	}
}

func (f ObserverFuncs) ConnectionState(s channel.State) {
	if f.OnConnectionState != nil {
		f.OnConnectionState(s)
	}
}

func (f ObserverFuncs) CaptureStatus(s CaptureStatus) {
	if f.OnCaptureStatus != nil {
		f.OnCaptureStatus(s)
	}
}
