package plugin

import (
	"fmt"
	"time"
)

type DuplicateError struct {
	PluginName string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("plugin %s already registered", e.PluginName)
}

type NotFoundError struct {
	PluginName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plugin %s not found", e.PluginName)
}

const (
	StageInput  = "input"
	StageOutput = "output"
)

// ValidationError reports a payload that does not match the plugin schema.
// Stage is StageInput or StageOutput.
type ValidationError struct {
	PluginName string
	Stage      string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plugin %s: invalid %s: %v", e.PluginName, e.Stage, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type ExecutionError struct {
	PluginName string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("plugin %s failed: %v", e.PluginName, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type TimeoutError struct {
	PluginName string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("plugin %s timed out after %s", e.PluginName, e.Timeout)
}
