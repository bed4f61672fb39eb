package internal

import (
	"reflect"
	"sort"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	assertSlice(t, Keys((map[string]int)(nil)), nil)
	assertSlice(t, Keys(map[string]int{}), []string{})
	assertSlice(t, Keys(map[string]int{"E2001122": 1}), []string{"E2001122"})
	assertSlice(t, Keys(map[string]int{"A": 1, "B": 2, "C": 3}), []string{"A", "B", "C"})
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]bool{"E3": true, "E1": true, "E2": true})
	want := []string{"E1", "E2", "E3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SortedKeys got %v want %v", got, want)
	}
}

func TestClamp(t *testing.T) {
	testCases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{in: 0, want: 50 * time.Millisecond},
		{in: 300 * time.Millisecond, want: 300 * time.Millisecond},
		{in: 2 * time.Second, want: 500 * time.Millisecond},
	}
	for _, tc := range testCases {
		got := Clamp(tc.in, 50*time.Millisecond, 500*time.Millisecond)
		if got != tc.want {
			t.Errorf("Clamp(%v) got %v want %v", tc.in, got, tc.want)
		}
	}
}

// assertSlice errors the test if "got" and "want" have different elements.
// Both got and want are sorted in-place as a side effect.
func assertSlice(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("got length %d, expected length %d", len(got), len(want))
	}

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	if !reflect.DeepEqual(got, want) {
		t.Errorf("After sorting, got %v but expected %v", got, want)
	}
}
