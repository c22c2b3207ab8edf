package router

import (
	"errors"
	"fmt"
	"regexp"
)

// Catalog limits. Names become NATS subject tokens and URL path segments.
const (
	MaxCatalogTools    = 64
	MaxToolDescription = 512
)

// ErrInvalidCatalog reports a catalog that cannot be routed to safely.
var ErrInvalidCatalog = errors.New("invalid tool catalog")

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Catalog maps tool names to descriptions. It is read-only and supplied per request.
type Catalog map[string]string

// ValidToolName reports whether name is usable as a tool name.
func ValidToolName(name string) bool {
	return toolNamePattern.MatchString(name)
}

// Validate checks names against [a-z][a-z0-9_]{0,63}, requires a
// description of at most MaxToolDescription bytes, and caps the catalog at
// MaxCatalogTools entries.
func (c Catalog) Validate() error {
	if len(c) > MaxCatalogTools {
		return fmt.Errorf("%w: %d tools exceeds %d", ErrInvalidCatalog, len(c), MaxCatalogTools)
	}
	for name, desc := range c {
		if !ValidToolName(name) {
			return fmt.Errorf("%w: tool name %q must match %s", ErrInvalidCatalog, name, toolNamePattern)
		}
		if desc == "" {
			return fmt.Errorf("%w: tool %q needs a description", ErrInvalidCatalog, name)
		}
		if len(desc) > MaxToolDescription {
			return fmt.Errorf("%w: description of %q exceeds %d bytes", ErrInvalidCatalog, name, MaxToolDescription)
		}
	}
	return nil
}
