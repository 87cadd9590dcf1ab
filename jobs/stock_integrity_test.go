package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLotProblemsCleanLot(t *testing.T) {
	require.Empty(t, lotProblems(100, 30, 20, 50, 30))
}

func TestLotProblemsDriftedAvailable(t *testing.T) {
	problems := lotProblems(100, 30, 20, 60, 30)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "available")
}

func TestLotProblemsNegativeQuantity(t *testing.T) {
	problems := lotProblems(10, -1, 0, 11, -1)
	require.Contains(t, problems, "negative quantity")
}

func TestLotProblemsLineSumMismatch(t *testing.T) {
	problems := lotProblems(100, 30, 0, 70, 25)
	require.Len(t, problems, 1)
	require.Contains(t, problems[0], "line sum")
}

func TestLotProblemsToleratesFloatNoise(t *testing.T) {
	require.Empty(t, lotProblems(100, 30.0000000001, 20, 49.9999999999, 30))
}
