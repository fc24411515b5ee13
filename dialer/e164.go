/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialer

import (
	"fmt"
	"strings"
)

// NormalizeE164 turns a dialed number into +<country><subscriber> form.
// A leading trunk prefix 0 is replaced by defaultCountryCode, 00 by +.
// Bare digits are taken to already carry a country code.
func NormalizeE164(raw, defaultCountryCode string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDestination)
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidDestination, r, raw)
		}
	}
	n := b.String()
	cc := strings.TrimPrefix(defaultCountryCode, "+")

	switch {
	case strings.HasPrefix(n, "+"):
		n = n[1:]
	case strings.HasPrefix(n, "00"):
		n = n[2:]
	case strings.HasPrefix(n, "0"):
		if cc == "" {
			return "", fmt.Errorf("%w: national number %q without a default country code", ErrInvalidDestination, raw)
		}
		n = cc + n[1:]
	}

	if len(n) < 8 || len(n) > 15 || n[0] == '0' {
		return "", fmt.Errorf("%w: %q is not a valid E.164 number", ErrInvalidDestination, raw)
	}
	return "+" + n, nil
}
