// Copyright 2026 The Symflow Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface an execution engine needs to
// implement to run computation graphs built with the graph package.
//
// The core of the module only depends on the existence of this catalogue of
// operations; it never sees an implementation. The reference implementation
// is the pure-Go interpreter in backends/purego.
//
// To simplify error handling during graph building, Builder methods are
// expected to panic with an error (including a stack trace) on invalid
// inputs. See package github.com/gomlx/exceptions.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Backend is the API an execution engine implements.
type Backend interface {
	// Name returns the short name of the backend, e.g. "purego".
	Name() string

	// Description is a longer description of the backend for pretty-printing.
	Description() string

	// Builder creates a new builder used to define a new named computation.
	Builder(name string) Builder

	// DataInterface transfers buffers to and from the backend.
	DataInterface

	// Finalize releases all associated resources immediately and makes the
	// backend invalid.
	Finalize()
}

// Constructor takes a config string (possibly empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name. Usually called during
// package initialization of a backend implementation.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is used by New if set and the environment variable is not.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend
// configuration. The format is "<backend_name>:<backend_configuration>",
// where "<backend_configuration>" is backend specific.
const ConfigEnvVar = "SYMFLOW_BACKEND"

// MustNew returns a new Backend from the default configuration and panics on
// error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// New returns a new Backend: the ConfigEnvVar environment variable is used as
// configuration if set, then DefaultConfig, then the first registered backend
// with an empty configuration.
func New() (Backend, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a "<backend_name>:<configuration>"
// string. An empty name selects the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the reference one with import _ "github.com/symflow/symflow/backends/purego"?`)
	}
	backendName := firstRegistered
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q", backendName, config)
	}
	return constructor(backendConfig)
}
