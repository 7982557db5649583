// Package policy classifies destination objects as ephemeral (evictable) or durable.
package policy

import "strings"

// DefaultMarker is the key substring that marks an object as ephemeral.
const DefaultMarker = "temp"

// Classifier reports whether the object stored under key is ephemeral.
type Classifier func(key string) bool

// Marker classifies a key as ephemeral when it contains marker anywhere.
// An empty marker classifies nothing as ephemeral.
func Marker(marker string) Classifier {
	return func(key string) bool {
		return marker != "" && strings.Contains(key, marker)
	}
}

// Default returns the reference policy, Marker(DefaultMarker).
func Default() Classifier {
	return Marker(DefaultMarker)
}
