// Package link handles the textual form of a shared file reference,
// "address::name".
package link

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Separator joins the service address and the file name.
const Separator = "::"

// MaxNameLen bounds the file name in bytes.
const MaxNameLen = 255

// ErrBadLink is returned for text that is not a valid link.
var ErrBadLink = errors.New("bad link")

// Link identifies a file offered by a serving peer.
type Link struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Parse splits s at the first separator. Both halves must be non-empty, the
// address may not contain whitespace and the name must be a plain file name.
func Parse(s string) (Link, error) {
	s = strings.TrimSpace(s)
	addr, name, ok := strings.Cut(s, Separator)
	if !ok {
		return Link{}, fmt.Errorf("%w: missing %q", ErrBadLink, Separator)
	}
	l := Link{Address: addr, Name: name}
	if err := l.Validate(); err != nil {
		return Link{}, err
	}
	return l, nil
}

// Validate checks both halves of the link.
func (l Link) Validate() error {
	if err := ValidAddress(l.Address); err != nil {
		return err
	}
	return ValidName(l.Name)
}

// ValidAddress reports whether address can name a serving peer.
func ValidAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: empty address", ErrBadLink)
	}
	if strings.ContainsAny(address, " \t\r\n") || strings.Contains(address, Separator) {
		return fmt.Errorf("%w: invalid address %q", ErrBadLink, address)
	}
	return nil
}

// ValidName reports whether name can be shared and written to a download
// directory as is.
func ValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrBadLink)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: name longer than %d bytes", ErrBadLink, MaxNameLen)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: name is not utf-8", ErrBadLink)
	case name == "." || name == "..":
		return fmt.Errorf("%w: invalid name %q", ErrBadLink, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: name %q contains a path separator", ErrBadLink, name)
	}
	return nil
}

// String returns the textual form of the link.
func (l Link) String() string {
	return l.Address + Separator + l.Name
}
