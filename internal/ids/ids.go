package ids

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator issues identifiers for transactions and escrows. Every
// identifier embeds a random (v4) UUID, so uniqueness does not depend on
// clock resolution.
type Generator interface {
	TransactionID(kind string) string
	EscrowID(projectID string, at time.Time) string
}

// UUIDGenerator is the default Generator.
type UUIDGenerator struct{}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// TransactionID returns "<prefix>_<uuid>", the prefix derived from the kind.
func (UUIDGenerator) TransactionID(kind string) string {
	prefix := "txn"
	switch kind {
	case "deposit":
		prefix = "dep"
	case "withdrawal", "milestone_payment":
		prefix = "wdr"
	}
	return prefix + "_" + uuid.NewString()
}

// EscrowID derives an identifier from the project and creation time and
// appends a random suffix.
func (UUIDGenerator) EscrowID(projectID string, at time.Time) string {
	project := unsafeChars.ReplaceAllString(strings.TrimSpace(projectID), "-")
	if project == "" {
		project = "project"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("escrow_%s_%d_%s", project, at.UTC().Unix(), suffix)
}
