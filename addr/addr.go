// Package addr includes IDNA aware envelope address helpers.
package addr

import (
	"strings"

	"golang.org/x/net/idna"
)

// IDNAProfile is the [*idna.Profile] used to convert between the ASCII and
// Unicode representations of domain names. It defaults to [idna.Lookup] but
// you can use any [*idna.Profile] you like.
var IDNAProfile = idna.Lookup

// Address is one envelope address (MAIL FROM or RCPT TO) plus its optional
// ESMTP arguments. Addr is expected without surrounding <>.
type Address struct {
	Addr string
	Args string
}

// split an user@domain address into user and domain.
func split(addr string) (local, domain string) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// Local returns the part of the address in front of the @ symbol.
// If the address does not include an @ the whole address gets returned.
func (a Address) Local() string {
	local, _ := split(a.Addr)
	return local
}

// Domain returns the part of the address after the @ symbol, as-is without
// any validation. If the address does not include an @ an empty string gets
// returned.
func (a Address) Domain() string {
	_, domain := split(a.Addr)
	return domain
}

// AsciiDomain returns Domain converted to its ASCII (punycode)
// representation. If Domain cannot be converted (e.g. invalid UTF-8 data),
// the unchanged Domain value gets returned.
func (a Address) AsciiDomain() string {
	domain := a.Domain()
	if domain == "" {
		return ""
	}
	asciiDomain, err := IDNAProfile.ToASCII(domain)
	if err != nil {
		return domain
	}
	return asciiDomain
}

// UnicodeDomain returns Domain converted to its Unicode representation.
// If Domain cannot be converted the unchanged Domain value gets returned.
func (a Address) UnicodeDomain() string {
	domain := a.Domain()
	if domain == "" {
		return ""
	}
	unicodeDomain, err := IDNAProfile.ToUnicode(domain)
	if err != nil {
		return domain
	}
	return unicodeDomain
}
