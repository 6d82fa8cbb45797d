package main

import (
	"testing"
	"time"
)

type fixedTimes struct {
	times      []int64
	start, end time.Time
}

func (f *fixedTimes) FetchMessageTimesInRange(start, end time.Time) ([]int64, error) {
	f.start, f.end = start, end
	return f.times, nil
}

func TestCalcHourlyMessagesToday(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	now := time.Date(2026, 5, 4, 15, 30, 0, 0, loc)
	at := func(h, m int) int64 {
		return time.Date(2026, 5, 4, h, m, 0, 0, loc).Unix()
	}
	store := &fixedTimes{times: []int64{at(0, 0), at(0, 59), at(9, 15), at(15, 1), at(23, 59)}}

	hourly, err := calcHourlyMessagesToday(store, now)
	if err != nil {
		t.Fatalf("calcHourlyMessagesToday: %v", err)
	}
	if len(hourly) != 24 {
		t.Fatalf("got %d buckets", len(hourly))
	}
	want := map[int]int64{0: 2, 9: 1, 15: 1, 23: 1}
	for h, n := range hourly {
		if n != want[h] {
			t.Errorf("hour %d: got %d, want %d", h, n, want[h])
		}
	}
	if !store.start.Equal(time.Date(2026, 5, 4, 0, 0, 0, 0, loc)) || store.end.Sub(store.start) != 24*time.Hour {
		t.Errorf("queried range %v - %v", store.start, store.end)
	}
}
