package main

import (
	"testing"
	"time"
)

func TestDateFilter(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		end       string
		wantSince time.Time
		wantUntil time.Time
		wantErr   bool
	}{
		{name: "open range"},
		{
			name:      "both bounds",
			start:     "2025-01-01",
			end:       "2025-01-31",
			wantSince: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			wantUntil: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "same day",
			start:     "2025-03-10",
			end:       "2025-03-10",
			wantSince: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
			wantUntil: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		},
		{name: "reversed", start: "2025-03-10", end: "2025-03-01", wantErr: true},
		{name: "bad format", start: "10.03.2025", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := dateFilter(tt.start, tt.end)
			if (err != nil) != tt.wantErr {
				t.Fatalf("dateFilter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !f.Since.Equal(tt.wantSince) || !f.Until.Equal(tt.wantUntil) {
				t.Errorf("dateFilter() = [%v, %v), want [%v, %v)", f.Since, f.Until, tt.wantSince, tt.wantUntil)
			}
		})
	}
}
