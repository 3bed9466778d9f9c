// Generic data manipulation utilities.

package main

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
	"golang.org/x/text/unicode/norm"
)

const anonLabelPrefix = "Anon-"

// normalizeLabel trims the label, converts it to NFC, drops control characters and cuts it
// to at most maxLen grapheme clusters. maxLen <= 0 means no limit.
func normalizeLabel(label string, maxLen int) string {
	label = norm.NFC.String(strings.TrimSpace(label))
	label = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, label)

	if maxLen > 0 {
		end, count := 0, 0
		for state, remaining, cluster := -1, label, ""; len(remaining) > 0 && count < maxLen; count++ {
			cluster, remaining, _, state = uniseg.StepString(remaining, state)
			end += len(cluster)
		}
		label = label[:end]
	}

	return strings.TrimSpace(label)
}

// displayLabel returns the normalized label or the default one if it's empty: a random
// Anon-xxxxxx for anonymous users, the user ID otherwise.
func displayLabel(uid, label string, anonymous bool, maxLen int) string {
	if label = normalizeLabel(label, maxLen); label != "" {
		return label
	}
	if anonymous {
		return anonLabel()
	}
	return uid
}

func anonLabel() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return anonLabelPrefix + hex.EncodeToString(buf)
}

// Obtain the address of the client from X-Forwarded-For value. It may contain a list of
// proxies, the first one is the client.
func forwardedAddr(header string) string {
	if header == "" {
		return ""
	}
	addr := strings.TrimSpace(strings.Split(header, ",")[0])
	if !isRoutableIP(addr) {
		return ""
	}
	return addr
}

// Checks if the IP address is routable. Loopback, link-local and unspecified addresses are not.
func isRoutableIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}
