package validation

import (
	"fmt"
	"strings"
	"sync"
)

// Error is one validation problem. Row is the 1-based input row number, or 0
// for problems that are not tied to a row.
type Error struct {
	Row     int    `json:"row,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Setup   bool   `json:"setup,omitempty"`
}

func (e Error) Error() string {
	switch {
	case e.Row > 0 && e.Field != "":
		return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
	case e.Row > 0:
		return fmt.Sprintf("row %d: %s", e.Row, e.Message)
	}
	return e.Message
}

// BatchError carries every validation problem found while importing a batch.
type BatchError struct {
	Errors []Error
}

func (e *BatchError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "validation failed"
	case 1:
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", e.Errors[0].Error(), len(e.Errors)-1)
}

// Messages returns the rendered message of each error, in order.
func (e *BatchError) Messages() []string {
	out := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		out[i] = err.Error()
	}
	return out
}

// Collector accumulates validation errors for one import.
type Collector struct {
	mu     sync.Mutex
	errors []Error
}

func NewCollector() *Collector {
	return &Collector{}
}

// AddSetup records a structural problem found before any row is read.
func (c *Collector) AddSetup(field, msg string) {
	c.add(Error{Field: field, Message: msg, Setup: true})
}

// AddRow records a problem with one row.
func (c *Collector) AddRow(row int, field, msg string) {
	c.add(Error{Row: row, Field: field, Message: msg})
}

// AddGlobal records a problem that applies to the whole batch.
func (c *Collector) AddGlobal(msg string) {
	c.add(Error{Message: msg})
}

func (c *Collector) Addf(format string, args ...any) {
	c.AddGlobal(fmt.Sprintf(format, args...))
}

func (c *Collector) add(e Error) {
	c.mu.Lock()
	c.errors = append(c.errors, e)
	c.mu.Unlock()
}

func (c *Collector) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors) > 0
}

// HasSetupErrors reports whether any structural problem was recorded.
func (c *Collector) HasSetupErrors() bool {
	return len(c.SetupErrors()) > 0
}

func (c *Collector) SetupErrors() []Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Error
	for _, e := range c.errors {
		if e.Setup {
			out = append(out, e)
		}
	}
	return out
}

func (c *Collector) Errors() []Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Error, len(c.errors))
	copy(out, c.errors)
	return out
}

// Err returns a *BatchError holding every recorded problem, or nil.
func (c *Collector) Err() error {
	errs := c.Errors()
	if len(errs) == 0 {
		return nil
	}
	return &BatchError{Errors: errs}
}

// String joins the messages, one per line.
func (c *Collector) String() string {
	errs := c.Errors()
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "\n")
}
