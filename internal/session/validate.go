package session

import (
	"fmt"
	"regexp"
)

var idRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateConversationID checks that id is safe to embed in a filesystem
// path and a transport URL.
func ValidateConversationID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid conversation id %q: must match ^[a-zA-Z0-9_-]{1,64}$", id)
	}
	return nil
}
