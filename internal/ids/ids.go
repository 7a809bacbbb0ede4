// Package ids generates the opaque, UUID-shaped identifiers the data model
// requires for every entity (§3: "all identifiers are opaque strings").
package ids

import "github.com/google/uuid"

// New returns a fresh opaque identifier prefixed for readability in logs;
// the prefix carries no semantic meaning beyond aiding a human reader.
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
