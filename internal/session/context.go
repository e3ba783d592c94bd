package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Domain identifies the place the client is connected to.
type Domain struct {
	ID          uuid.UUID
	Name        string
	URL         string
	ConnectedAt time.Time
}

// Context holds the current domain
type Context struct {
	mu     sync.RWMutex
	domain Domain
}

// NewContext creates a new Context with default values
func NewContext() *Context {
	return &Context{domain: Domain{Name: "No domain connected"}}
}

// Domain returns the current domain
func (c *Context) Domain() Domain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.domain
}

// SetDomain replaces the current domain and reports whether it changed.
func (c *Context) SetDomain(d Domain) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.domain.ID != d.ID || c.domain.URL != d.URL
	c.domain = d
	return changed
}

// LogAttrs returns the attributes the logging context handler injects.
func (c *Context) LogAttrs() []slog.Attr {
	d := c.Domain()
	attrs := []slog.Attr{slog.String("domain", d.Name)}
	if d.ID != uuid.Nil {
		attrs = append(attrs, slog.String("domainID", d.ID.String()))
	}
	return attrs
}
