// Package converter defines the boundary to the external document
// conversion service. The batch job never depends on a concrete service.
package converter

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by Ready when the service lacks credentials
// or other required configuration.
var ErrNotConfigured = errors.New("converter is not configured")

// Request describes one conversion.
type Request struct {
	File    string // identifier as recorded in the job
	Path    string // readable location of the input document
	Profile string // optional conversion profile (assistant id)
}

// Converter turns one input document into output text.
type Converter interface {
	Convert(ctx context.Context, req Request) (string, error)
}

// Checker is implemented by converters that can report missing
// configuration without doing any work.
type Checker interface {
	Ready() error
}

// Ready reports whether c is usable. Converters without a Checker are
// always ready.
func Ready(c Converter) error {
	if c == nil {
		return ErrNotConfigured
	}
	if ch, ok := c.(Checker); ok {
		return ch.Ready()
	}
	return nil
}

// Func adapts a function to Converter.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Convert(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
