package upload

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KeyPolicy selects how object keys are derived from filenames.
type KeyPolicy string

const (
	// KeyPolicyTimestamp prefixes the name with the upload time in unix
	// milliseconds. Two uploads of the same name collide only when they land
	// in the same millisecond.
	KeyPolicyTimestamp KeyPolicy = "timestamp"

	// KeyPolicyOriginal stores the normalized name as is. Concurrent uploads
	// of the same name overwrite each other, so it is only usable when the
	// clients already guarantee unique names.
	KeyPolicyOriginal KeyPolicy = "original"
)

// DefaultKeyPrefix is the key namespace used when none is configured.
const DefaultKeyPrefix = "uploads"

// ParseKeyPolicy validates a policy name.
func ParseKeyPolicy(s string) (KeyPolicy, error) {
	switch p := KeyPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case KeyPolicyTimestamp, KeyPolicyOriginal:
		return p, nil
	case "":
		return KeyPolicyTimestamp, nil
	default:
		return "", fmt.Errorf("unknown key policy %q", s)
	}
}

// KeyGenerator builds object keys. The zero value uses the timestamp policy
// with no prefix.
type KeyGenerator struct {
	Prefix string
	Policy KeyPolicy
}

// Make returns the key for safeName uploaded at now. It is a pure function
// of its inputs; safeName must already be normalized.
func (g KeyGenerator) Make(safeName string, now time.Time) string {
	name := safeName
	if g.Policy != KeyPolicyOriginal {
		name = strconv.FormatInt(now.UnixMilli(), 10) + "-" + safeName
	}

	prefix := strings.Trim(g.Prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Unique reports whether keys from this generator are unique per request,
// which makes deleting a key after a failed transfer safe.
func (g KeyGenerator) Unique() bool {
	return g.Policy != KeyPolicyOriginal
}
