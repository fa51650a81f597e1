package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSchedule is a parsed 5-field cron expression (minute hour
// day-of-month month day-of-week), used by recurring check-in jobs that
// need more than a fixed interval. Adapted from the teacher's
// internal/cron package — same field-parsing and next-fire-time algorithm,
// folded directly into the scheduler since this package is the only
// consumer.
type cronSchedule struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
}

func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("cron: minute: %w", err)
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("cron: hour: %w", err)
	}
	dom, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-month: %w", err)
	}
	month, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("cron: month: %w", err)
	}
	dow, err := parseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-week: %w", err)
	}

	return &cronSchedule{minute: minute, hour: hour, dayOfMonth: dom, month: month, dayOfWeek: dow}, nil
}

// next returns the first fire time strictly after "from".
func (s *cronSchedule) next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(4 * 365 * 24 * time.Hour)

	for t.Before(limit) {
		if !intSetHas(s.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !intSetHas(s.dayOfMonth, t.Day()) || !intSetHas(s.dayOfWeek, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !intSetHas(s.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !intSetHas(s.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func intSetHas(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

func parseCronField(field string, min, max int) ([]int, error) {
	var result []int
	seen := make(map[int]bool)

	for _, part := range strings.Split(field, ",") {
		vals, err := parseCronPart(part, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			if !seen[v] {
				seen[v] = true
				result = append(result, v)
			}
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("empty field")
	}
	insertionSort(result)
	return result, nil
}

func parseCronPart(part string, min, max int) ([]int, error) {
	var step int
	if idx := strings.Index(part, "/"); idx >= 0 {
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid step %q", part[idx+1:])
		}
		step = s
		part = part[:idx]
	}

	var low, high int
	switch {
	case part == "*":
		low, high = min, max
	case strings.Contains(part, "-"):
		idx := strings.Index(part, "-")
		var err error
		low, err = strconv.Atoi(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q", part[:idx])
		}
		high, err = strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q", part[idx+1:])
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", part)
		}
		if step > 0 {
			low, high = v, max
		} else {
			if v < min || v > max {
				return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
			}
			return []int{v}, nil
		}
	}

	if low < min || high > max || low > high {
		return nil, fmt.Errorf("range %d-%d out of bounds [%d, %d]", low, high, min, max)
	}
	if step == 0 {
		step = 1
	}

	var vals []int
	for i := low; i <= high; i += step {
		vals = append(vals, i)
	}
	return vals, nil
}

func insertionSort(a []int) {
	for i := 1; i < len(a); i++ {
		key := a[i]
		j := i - 1
		for j >= 0 && a[j] > key {
			a[j+1] = a[j]
			j--
		}
		a[j+1] = key
	}
}
