// Package email provides common email address helpers.
package email

import (
	"net/mail"
	"strings"
)

// Valid reports whether address has the form local@domain.tld: printable
// ASCII only, exactly one "@", a non-empty local part and a domain with at
// least one dot whose labels are non-empty.
func Valid(address string) bool {
	if address == "" {
		return false
	}
	for i := 0; i < len(address); i++ {
		c := address[i]
		if c <= ' ' || c >= 0x7f {
			return false
		}
	}

	at := strings.IndexByte(address, '@')
	if at <= 0 || at != strings.LastIndexByte(address, '@') || at == len(address)-1 {
		return false
	}

	domain := address[at+1:]
	if !strings.Contains(domain, ".") {
		return false
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" {
			return false
		}
	}
	return true
}

// ExtractDomain extracts the domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(address string) string {
	if addr, err := mail.ParseAddress(address); err == nil {
		address = addr.Address
	}
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// ExtractDomainOrDefault extracts the domain part from an email address.
// Returns the provided default value if the email is invalid or domain is empty.
func ExtractDomainOrDefault(address, defaultDomain string) string {
	domain := ExtractDomain(address)
	if domain == "" {
		return defaultDomain
	}
	return domain
}
