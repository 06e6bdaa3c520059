package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushReturnsTrueOnlyWhenRestartingFromIdle(t *testing.T) {
	c := NewController(Options{})
	require.True(t, c.Push("line one\n"))
	require.False(t, c.Push("line two\n"))
}

func TestSmoothModeCommitsAtMostOneLinePerTick(t *testing.T) {
	c := NewController(Options{TicksPerSecond: 1000})
	c.Push("a\nb\nc\n")
	first := c.Tick()
	require.Len(t, first, 1)
	require.Equal(t, "a", first[0])
}

func TestHighWaterMarkSwitchesToCatchUpMode(t *testing.T) {
	c := NewController(Options{HighWaterMark: 2, LowWaterMark: 1, CatchUpBurst: 5, TicksPerSecond: 1000})
	c.Push("a\nb\nc\nd\n")
	require.Equal(t, ModeCatchUp, c.Mode())

	committed := c.Tick()
	require.GreaterOrEqual(t, len(committed), 2)
}

func TestCatchUpRevertsToSmoothBelowLowWaterMark(t *testing.T) {
	c := NewController(Options{HighWaterMark: 2, LowWaterMark: 1, CatchUpBurst: 5, TicksPerSecond: 1000})
	c.Push("a\nb\nc\nd\n")
	require.Equal(t, ModeCatchUp, c.Mode())
	c.Tick()
	require.Equal(t, ModeSmooth, c.Mode())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	c := NewController(Options{})
	c.Push("partial line, no newline")
	cell, ok := c.Finalize()
	require.True(t, ok)
	require.Equal(t, "partial line, no newline", cell.Text)

	_, ok = c.Finalize()
	require.False(t, ok)
}

func TestResetClearsBufferWithoutFinalCell(t *testing.T) {
	c := NewController(Options{})
	c.Push("a\nb\n")
	c.Reset()
	cell, ok := c.Finalize()
	require.False(t, ok)
	require.Equal(t, Cell{}, cell)
}

func TestPlanControllerIsIndependentOfMainController(t *testing.T) {
	main := NewController(Options{})
	plan := NewPlanController(Options{})

	main.Push("main line\n")
	plan.Push("plan line\n")

	mainCell, _ := main.Finalize()
	planCell, _ := plan.Finalize()
	require.Equal(t, "main line", mainCell.Text)
	require.Equal(t, "plan line", planCell.Text)
}
