package release

import (
	"fmt"
	"regexp"
)

var channelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,31}$`)

// ValidateChannel rejects names that cannot form a pointer URL path segment.
func ValidateChannel(channel string) error {
	if !channelPattern.MatchString(channel) {
		return fmt.Errorf("invalid channel %q", channel)
	}
	return nil
}
