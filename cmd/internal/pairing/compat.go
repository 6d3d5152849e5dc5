package pairing

import (
	"strings"

	"golang.org/x/mod/semver"
)

// defaultWalletVersion is announced in WALLET_INFO when the caller sets none.
const defaultWalletVersion = "7.3.0"

// Compat is the behavior selected for a peer wallet version.
type Compat struct {
	Version string
	// KeepAuthGate holds originator sends until the wallet authorizes.
	KeepAuthGate bool
	// LegacyOTP makes the originator request accounts itself after an OTP.
	LegacyOTP bool
}

type compatRule struct {
	below        string
	keepAuthGate bool
	legacyOTP    bool
}

// Every rule whose bound is above the peer version applies.
var compatRules = []compatRule{
	{below: "v7.3.0", keepAuthGate: true},
	{below: "v6.6.0", keepAuthGate: true, legacyOTP: true},
}

// EvaluateCompat maps a wallet version to its compatibility behavior.
// Unparseable versions keep the authorization gate.
func EvaluateCompat(version string) Compat {
	c := Compat{Version: version}
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		c.KeepAuthGate = true
		return c
	}
	for _, r := range compatRules {
		if semver.Compare(v, r.below) < 0 {
			c.KeepAuthGate = c.KeepAuthGate || r.keepAuthGate
			c.LegacyOTP = c.LegacyOTP || r.legacyOTP
		}
	}
	return c
}
