package main

import (
	"time"
)

type messageTimes interface {
	FetchMessageTimesInRange(start, end time.Time) ([]int64, error)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// calcHourlyMessagesToday counts received telemetry messages per hour of
// the day containing now, in now's location.
func calcHourlyMessagesToday(store messageTimes, now time.Time) ([]int64, error) {
	dayStart := startOfDay(now)
	dayEnd := dayStart.AddDate(0, 0, 1)

	times, err := store.FetchMessageTimesInRange(dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	hourly := make([]int64, 24)
	for _, ts := range times {
		hour := time.Unix(ts, 0).In(now.Location()).Hour()
		if hour >= 0 && hour < 24 {
			hourly[hour]++
		}
	}
	return hourly, nil
}
