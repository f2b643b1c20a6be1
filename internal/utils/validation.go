package utils

import (
	"fmt"
)

// ValidatePort checks that a port parsed from user input is usable.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port out of range: %d", port)
	}
	return nil
}
