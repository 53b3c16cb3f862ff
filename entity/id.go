// Package entity contains the identifiers used to track activity items
// across the forge, the bridge state and the mail archive.
package entity

import (
	"fmt"
	"strings"
)

// Id is the stable identifier of a bridged item: a pull request, a
// comment, a review or a logical message derived from them.
type Id string

const UnsetId = Id("unset")

// String return the identifier as a string
func (i Id) String() string {
	return string(i)
}

// Validate tell if the id is valid
func (i Id) Validate() error {
	if i == "" || i == UnsetId {
		return fmt.Errorf("empty")
	}
	if strings.ContainsAny(string(i), " \t\r\n/") {
		return fmt.Errorf("invalid characters")
	}
	return nil
}
