// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Validation errors.
var (
	ErrEmptyName    = errors.New("name cannot be empty")
	ErrInvalidName  = errors.New("invalid name: contains wildcards or illegal characters")
	ErrInvalidGroup = errors.New("invalid group: contains the address separator")
)

// ValidateName checks that s can be embedded in a broker address: it must be
// non-empty valid UTF-8 without wildcard or NUL characters.
func ValidateName(s string) error {
	if s == "" {
		return ErrEmptyName
	}
	if strings.ContainsAny(s, "*#+\u0000") {
		return ErrInvalidName
	}
	if !utf8.ValidString(s) {
		return ErrInvalidName
	}
	return nil
}
