package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresAfter(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	ch := clk.After(5 * time.Minute)
	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	clk.Advance(4 * time.Minute)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	clk.Advance(time.Minute)
	select {
	case at := <-ch:
		assert.Equal(t, start.Add(5*time.Minute), at)
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFakeTickerRepeats(t *testing.T) {
	clk := NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	ticker := clk.NewTicker(time.Second)
	defer ticker.Stop()

	ticks := 0
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		select {
		case <-ticker.C():
			ticks++
		default:
			t.Fatalf("missing tick %d", i)
		}
	}
	assert.Equal(t, 3, ticks)
}

func TestFakeTickerStops(t *testing.T) {
	clk := NewFake(time.Now())
	ticker := clk.NewTicker(time.Second)
	ticker.Stop()

	clk.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeWaitersFireInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	late := clk.After(10 * time.Second)
	early := clk.After(2 * time.Second)

	clk.Advance(time.Minute)

	earlyAt := <-early
	lateAt := <-late
	require.True(t, earlyAt.Before(lateAt))
	assert.Equal(t, start.Add(2*time.Second), earlyAt)
	assert.Equal(t, start.Add(10*time.Second), lateAt)
}

func TestFakeNowAdvances(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewFake(start)
	clk.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), clk.Now())
}
