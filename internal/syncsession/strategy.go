package syncsession

import "github.com/codeready-toolchain/rowsync/internal/lsn"

// SelectStrategy is the Strategy Selector from spec §4.2: a pure function of
// (clientLSN, serverLSN) that decides which phase a newly-connected session
// enters. It never mutates state and never touches storage or transport.
//
//   - clientLSN zero (client has never synced) -> INITIAL
//   - clientLSN equal to serverLSN             -> LIVE (already caught up)
//   - clientLSN behind serverLSN               -> CATCHUP
func SelectStrategy(clientLSN, serverLSN lsn.LSN) Phase {
	if clientLSN.IsZero() {
		return PhaseInitial
	}
	if clientLSN.Compare(serverLSN) >= 0 {
		return PhaseLive
	}
	return PhaseCatchup
}
