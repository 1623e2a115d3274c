package syncsession

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/rowsync/internal/lsn"
)

func TestSelectStrategy(t *testing.T) {
	zero := lsn.Zero
	behind := lsn.LSN("0/A")
	current := lsn.LSN("0/F")

	assert.Equal(t, PhaseInitial, SelectStrategy(zero, current))
	assert.Equal(t, PhaseCatchup, SelectStrategy(behind, current))
	assert.Equal(t, PhaseLive, SelectStrategy(current, current))
	assert.Equal(t, PhaseLive, SelectStrategy(current, behind), "client ahead of a stale server snapshot is still LIVE")
}
