package input

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ExpTools/internal/clock"
	"github.com/BTreeMap/ExpTools/internal/models"
	"github.com/google/go-cmp/cmp"
)

func TestQueueDrains(t *testing.T) {
	q := NewQueue()
	q.Push("left", "right")
	q.Push("t")
	if diff := cmp.Diff([]models.Key{"left", "right", "t"}, q.Poll()); diff != "" {
		t.Errorf("Poll mismatch (-want +got):\n%s", diff)
	}
	if keys := q.Poll(); keys != nil {
		t.Errorf("second Poll should be empty, got %v", keys)
	}
}

func TestScriptedReleasesOnSchedule(t *testing.T) {
	clk := clock.NewManual()
	s := NewScripted(clk,
		Press{At: 300 * time.Millisecond, Key: "right"},
		Press{At: 100 * time.Millisecond, Key: "left"},
		Press{At: 100 * time.Millisecond, Key: "t"},
	)
	if keys := s.Poll(); keys != nil {
		t.Fatalf("nothing should be due at 0, got %v", keys)
	}
	clk.Set(150 * time.Millisecond)
	if diff := cmp.Diff([]models.Key{"left", "t"}, s.Poll()); diff != "" {
		t.Errorf("Poll at 150ms mismatch (-want +got):\n%s", diff)
	}
	if s.Remaining() != 1 {
		t.Errorf("Remaining = %d, want 1", s.Remaining())
	}
	clk.Set(time.Second)
	if diff := cmp.Diff([]models.Key{"right"}, s.Poll()); diff != "" {
		t.Errorf("Poll at 1s mismatch (-want +got):\n%s", diff)
	}
}

func TestMulti(t *testing.T) {
	a, b := NewQueue(), NewQueue()
	a.Push("a")
	b.Push("b")
	got := Multi{a, nil, b}.Poll()
	if diff := cmp.Diff([]models.Key{"a", "b"}, got); diff != "" {
		t.Errorf("Multi mismatch (-want +got):\n%s", diff)
	}
}

func TestReadLines(t *testing.T) {
	q := NewQueue()
	err := ReadLines(context.Background(), strings.NewReader("T\n\n  escape \n"), q)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if diff := cmp.Diff([]models.Key{"t", "escape"}, q.Poll()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}
