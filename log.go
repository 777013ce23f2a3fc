// Package opentxs ties the client engine's subsystem loggers to one
// managed backend. Applications embedding the engine call SetupLoggers once
// at startup; without it every package stays silent.
package opentxs

import (
	"github.com/wigggles/opentxs-sub020/build"
	"github.com/wigggles/opentxs-sub020/contract"
	"github.com/wigggles/opentxs-sub020/instrument"
	"github.com/wigggles/opentxs-sub020/notifier"
	"github.com/wigggles/opentxs-sub020/otx"
	"github.com/wigggles/opentxs-sub020/session"
	"github.com/wigggles/opentxs-sub020/statemachine"
	"github.com/wigggles/opentxs-sub020/wallet"
)

// SetupLoggers hands every subsystem a logger from the manager's shared
// backend, so log levels can be adjusted per subsystem at runtime.
func SetupLoggers(mgr *build.SubLoggerManager) {
	gen := mgr.GenSubLogger()

	otx.UseLogger(gen("OTX"))
	statemachine.UseLogger(gen("STMC"))
	session.UseLogger(gen("SESS"))
	contract.UseLogger(gen("CNTR"))
	wallet.UseLogger(gen("WLLT"))
	notifier.UseLogger(gen("NTFR"))
	instrument.UseLogger(gen("INST"))
}
