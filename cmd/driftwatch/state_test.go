package main

import (
	"strings"
	"testing"
)

func TestAnalyticsOnlyChains(t *testing.T) {
	tests := []struct {
		name string
		pg   map[uint64]uint64
		ch   map[uint64]uint64
		want string
	}{
		{
			name: "numeric_not_lexicographic",
			pg:   map[uint64]uint64{1: 500},
			ch:   map[uint64]uint64{1: 480, 100: 90, 9: 80, 10: 70},
			want: "9, 10, 100",
		},
		{
			name: "no_extras",
			pg:   map[uint64]uint64{1: 500, 137: 900},
			ch:   map[uint64]uint64{1: 480, 137: 900},
			want: "",
		},
		{
			name: "empty_analytics",
			pg:   map[uint64]uint64{1: 500},
			ch:   map[uint64]uint64{},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(analyticsOnlyChains(tt.pg, tt.ch), ", ")
			if got != tt.want {
				t.Errorf("analyticsOnlyChains = %q, want %q", got, tt.want)
			}
		})
	}
}
