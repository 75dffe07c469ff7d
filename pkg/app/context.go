package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-switchfs/internal/config"
)

// Context holds application-wide configuration and state
type Context struct {
	context.Context

	// Output preferences
	OutputFormat string
	Verbose      bool
	Quiet        bool

	// Config is the loaded configuration. Nil means config.Default()
	Config *config.Config

	// Stdout receives command output, Stderr receives diagnostics
	Stdout io.Writer
	Stderr io.Writer

	// Progress reporting
	ProgressCallback func(message string, percent int)
}

// NewContext creates a new application context
func NewContext() *Context {
	return &Context{
		Context:      context.Background(),
		OutputFormat: "table",
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	}
}

// Settings returns the configuration in effect
func (c *Context) Settings() config.Config {
	if c.Config == nil {
		return config.Default()
	}
	return *c.Config
}

// SetProgress sets the progress callback function
func (c *Context) SetProgress(callback func(string, int)) {
	c.ProgressCallback = callback
}

// Progress reports progress if callback is set
func (c *Context) Progress(message string, percent int) {
	if c.ProgressCallback != nil {
		c.ProgressCallback(message, percent)
	}
}

// Log writes a message to Stderr in verbose mode
func (c *Context) Log(message string) {
	if !c.Quiet && c.Verbose {
		fmt.Fprintln(c.ErrOut(), message)
	}
}

// Out returns the writer for command output
func (c *Context) Out() io.Writer {
	if c.Stdout == nil {
		return os.Stdout
	}
	return c.Stdout
}

// ErrOut returns the writer for diagnostics
func (c *Context) ErrOut() io.Writer {
	if c.Stderr == nil {
		return os.Stderr
	}
	return c.Stderr
}
