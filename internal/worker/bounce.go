package worker

import (
	"strings"

	"github.com/courier-mta/courier/internal/store"
)

// hardBounceTokens indicate a permanently undeliverable address
var hardBounceTokens = []string{
	"550",
	"5.1.1",
	"user unknown",
	"does not exist",
	"mailbox unavailable",
	"no such user",
	"invalid recipient",
}

// complaintTokens indicate reputation-driven rejection rather than a bad
// address
var complaintTokens = []string{
	"spam",
	"blacklist",
	"blocked",
	"denied",
	"abuse",
}

// ClassifyBounce maps a delivery failure message to a bounce class. Hard
// bounces win over complaints when both match; anything unrecognized is a
// soft bounce.
func ClassifyBounce(reason string) string {
	msg := strings.ToLower(reason)
	for _, token := range hardBounceTokens {
		if strings.Contains(msg, token) {
			return store.BounceHard
		}
	}
	for _, token := range complaintTokens {
		if strings.Contains(msg, token) {
			return store.BounceComplaint
		}
	}
	return store.BounceSoft
}
