package pmodule

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistryFrozen is returned by Register once resolution has started.
	ErrRegistryFrozen = errors.New("module registry is frozen")
	// ErrNotCached is returned by Env.LoadFromCache when nothing is cached
	// and no creation function was supplied.
	ErrNotCached = errors.New("object not in cache")
)

// ConfigError reports a malformed module definition or dependency
// declaration.
type ConfigError struct {
	Module string
	Msg    string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("module %q: %s: %v", e.Module, e.Msg, e.Err)
	}
	return fmt.Sprintf("module %q: %s", e.Module, e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConflictError reports two distinct definitions registered under one name.
type ConflictError struct {
	Name     string
	Existing string
	Incoming string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("module %q registered twice: defined at %s and at %s", e.Name, e.Existing, e.Incoming)
}

// UnknownModuleError reports a dependency on a name that is not registered.
type UnknownModuleError struct {
	Name string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("no module registered under %q", e.Name)
}
