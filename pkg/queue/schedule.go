package queue

import (
	"fmt"
	"time"
)

// Schedule computes the next run of a periodic task.
type Schedule interface {
	Next(from time.Time) time.Time
	String() string
}

type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(from time.Time) time.Time { return from.Add(s.every) }

func (s intervalSchedule) String() string { return fmt.Sprintf("every %v", s.every) }

type dailySchedule struct {
	hour, minute int
}

func (s dailySchedule) Next(from time.Time) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), s.hour, s.minute, 0, 0, from.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s dailySchedule) String() string { return fmt.Sprintf("daily at %02d:%02d", s.hour, s.minute) }

type hourlySchedule struct {
	minute int
}

func (s hourlySchedule) Next(from time.Time) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), s.minute, 0, 0, from.Location())
	if !next.After(from) {
		next = next.Add(time.Hour)
	}
	return next
}

func (s hourlySchedule) String() string { return fmt.Sprintf("hourly at :%02d", s.minute) }

// EveryInterval runs at a fixed interval.
func EveryInterval(d time.Duration) Schedule { return intervalSchedule{every: d} }

// HourlyAt runs every hour at the given minute.
func HourlyAt(minute int) Schedule { return hourlySchedule{minute: minute} }

// DailyAt runs once a day at the given wall clock time.
func DailyAt(hour, minute int) Schedule { return dailySchedule{hour: hour, minute: minute} }
