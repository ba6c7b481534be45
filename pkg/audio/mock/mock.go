// Package mock provides an in-memory implementation of [audio.Source] for
// unit tests.
//
// The mock is safe for concurrent use. It records calls so tests can assert
// on them and exposes exported fields to control return values:
//
//	src := &mock.Source{FormatResult: audio.Format{SampleRate: 16000, Width: 2, Channels: 1}}
//	_ = src.Start(ctx, sink)
//	src.Emit([]byte{1, 2, 3})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mvarner/wyostream/pkg/audio"
)

// Compile-time interface check.
var _ audio.Source = (*Source)(nil)

// Source is a mock implementation of [audio.Source]. Set the exported Result
// fields before use; inspect the call counters after.
type Source struct {
	mu sync.Mutex

	// StartError is returned by [Source.Start].
	StartError error

	// StopError is returned by [Source.Stop].
	StopError error

	// FormatResult is returned by [Source.Format].
	FormatResult audio.Format

	// NameResult is returned by [Source.Name]. Defaults to "mock".
	NameResult string

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	sink    func(audio.Chunk)
	running bool
}

// Start implements [audio.Source]. The sink is retained so tests can drive
// it via [Source.Emit].
func (s *Source) Start(_ context.Context, sink func(audio.Chunk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	if s.running {
		return errors.New("mock source already running")
	}
	s.sink = sink
	s.running = true
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	s.sink = nil
	return s.StopError
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return s.FormatResult
}

// Name implements [audio.Source].
func (s *Source) Name() string {
	if s.NameResult == "" {
		return "mock"
	}
	return s.NameResult
}

// Emit delivers data to the registered sink as a chunk captured now.
// No-op when the source is not running.
func (s *Source) Emit(data []byte) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(audio.Chunk{Data: data, CapturedAt: time.Now()})
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
