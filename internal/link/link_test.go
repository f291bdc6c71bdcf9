package link

import (
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	l, err := Parse("  abcdefgh::report.pdf\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if l.Address != "abcdefgh" || l.Name != "report.pdf" {
		t.Fatalf("Parse = %+v", l)
	}
	if got := l.String(); got != "abcdefgh::report.pdf" {
		t.Fatalf("String = %q", got)
	}
}

func TestParseNameMayContainSeparator(t *testing.T) {
	l, err := Parse("addr::notes::v2.txt")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if l.Name != "notes::v2.txt" {
		t.Fatalf("Name = %q", l.Name)
	}
}

func TestParseRejects(t *testing.T) {
	bad := []string{
		"",
		"no-separator",
		"::report.pdf",
		"addr::",
		"ad dr::report.pdf",
		"addr::../etc/passwd",
		"addr::dir/file",
		`addr::dir\file`,
		"addr::..",
		"addr::.",
		"addr::" + strings.Repeat("x", MaxNameLen+1),
	}
	for _, s := range bad {
		if _, err := Parse(s); !errors.Is(err, ErrBadLink) {
			t.Errorf("Parse(%q) err = %v, want ErrBadLink", s, err)
		}
	}
}

func TestValidAddress(t *testing.T) {
	if err := ValidAddress("MFRGGZDFMZTWQ2LKNNWG23TPOBYXE43U"); err != nil {
		t.Fatalf("ValidAddress: %v", err)
	}
	for _, s := range []string{"", "a b", "a::b", "tab\there"} {
		if err := ValidAddress(s); !errors.Is(err, ErrBadLink) {
			t.Errorf("ValidAddress(%q) err = %v, want ErrBadLink", s, err)
		}
	}
}
