package notifications

import (
	"encoding/json"
	"errors"
)

// Transport delivers events to live client connections. Implementations
// include the WebSocket hub and the Socket.IO server.
type Transport interface {
	// Emit sends event with data to every connection in room. An empty or
	// unknown room is not an error.
	Emit(room, event string, data json.RawMessage) error

	// Broadcast sends event with data to every connection.
	Broadcast(event string, data json.RawMessage) error
}

// FanOut delivers to several transports. A failing transport does not
// prevent delivery through the others; all errors are joined.
type FanOut []Transport

func (f FanOut) Emit(room, event string, data json.RawMessage) error {
	var errs []error
	for _, t := range f {
		if err := t.Emit(room, event, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f FanOut) Broadcast(event string, data json.RawMessage) error {
	var errs []error
	for _, t := range f {
		if err := t.Broadcast(event, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
