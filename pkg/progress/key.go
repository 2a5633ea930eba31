package progress

import (
	"net/url"
	"strings"
)

// Key identifies a pass by source resource and segment base name.
type Key struct {
	// Source is the resource URL; scheme and query are ignored.
	Source string

	// Base is the segment base name.
	Base string
}

// String generates a deterministic key string.
// Format: harvester:progress:host/path:base
//
// Example:
//
//	harvester:progress:x.supabase.co/rest/v1/addresses:addresses
func (k Key) String() string {
	parts := []string{"harvester", "progress"}

	source := k.Source
	if u, err := url.Parse(k.Source); err == nil && u.Host != "" {
		source = strings.ToLower(u.Host) + u.Path
	}
	if source = strings.Trim(source, "/"); source != "" {
		parts = append(parts, source)
	}
	if k.Base != "" {
		parts = append(parts, k.Base)
	}

	return strings.Join(parts, ":")
}
