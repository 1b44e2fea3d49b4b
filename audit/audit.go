// Package audit records who did what to which file. Events are append-only:
// nothing in this module mutates or deletes them once written.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action names what happened to a file.
type Action string

const (
	ActionUpload    Action = "upload"
	ActionDownload  Action = "download"
	ActionDelete    Action = "delete"
	ActionReference Action = "reference"
	ActionRotate    Action = "rotate"
)

// Event is one access to a file. FileID is empty for principal-wide
// actions such as key rotation.
type Event struct {
	ID         string
	FileID     string
	Principal  string
	Action     Action
	Time       time.Time
	RemoteAddr string
	UserAgent  string
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	if e.Principal == "" {
		return fmt.Errorf("%w: principal is empty", ErrInvalidEvent)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: action is empty", ErrInvalidEvent)
	}
	return nil
}

// stamp fills in the ID and time when the caller left them empty.
func (e Event) stamp(now func() time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = now()
	}
	e.Time = e.Time.UTC()
	return e
}

// Sink receives events.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(context.Context, Event) error { return nil }

// LogSink writes each event as a structured log line.
type LogSink struct {
	Log zerolog.Logger
}

// Append logs e at info level.
func (s LogSink) Append(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e = e.stamp(time.Now)
	s.Log.Info().
		Str("event", e.ID).
		Str("file", e.FileID).
		Str("principal", e.Principal).
		Str("action", string(e.Action)).
		Time("at", e.Time).
		Str("remote_addr", e.RemoteAddr).
		Str("user_agent", e.UserAgent).
		Msg("file access")
	return nil
}

// Multi fans each event out to every sink. All sinks are tried; their
// errors are joined.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Append(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	// Stamp once so every sink records the same ID and time.
	e = e.stamp(time.Now)
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
