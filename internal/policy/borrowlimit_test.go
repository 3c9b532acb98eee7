package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

func n(v int64) fixed.Int { return fixed.New(v) }

func TestInstallValidates(t *testing.T) {
	_, err := Install(Key{"alice", "daily"}, Limit{MaxPerTx: n(1), MaxCumulative: n(1)}, time.Now())
	require.ErrorIs(t, err, riskerr.ErrInvalidInput)
}

func TestEnforceWindows(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	r, err := Install(Key{"alice", "daily"}, Limit{MaxPerTx: n(100), MaxCumulative: n(250), Window: time.Hour}, start)
	require.NoError(t, err)

	_, err = r.Enforce(n(101), start)
	require.ErrorIs(t, err, riskerr.ErrPolicyViolation)

	r, err = r.Enforce(n(100), start)
	require.NoError(t, err)
	r, err = r.Enforce(n(100), start.Add(time.Minute))
	require.NoError(t, err)

	left, err := r.Remaining(start.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, n(50), left)

	require.ErrorIs(t, r.Check(n(51), start.Add(2*time.Minute)), riskerr.ErrPolicyViolation)
	require.NoError(t, r.Check(n(50), start.Add(2*time.Minute)))

	// Window elapsed: usage resets and the window restarts.
	later := start.Add(time.Hour)
	left, err = r.Remaining(later)
	require.NoError(t, err)
	require.Equal(t, n(100), left)
	r, err = r.Enforce(n(100), later)
	require.NoError(t, err)
	require.Equal(t, later, r.Usage.WindowStart)
	require.Equal(t, n(100), r.Usage.Cumulative)
}
