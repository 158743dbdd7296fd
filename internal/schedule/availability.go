package schedule

import (
	"sort"
	"time"
)

// All slot arithmetic happens in UTC. Day boundaries are computed with
// explicit date math, never with formatted-date comparisons.

type interval struct {
	start time.Time
	end   time.Time
}

func (iv interval) overlaps(start, end time.Time) bool {
	return iv.start.Before(end) && iv.end.After(start)
}

// startOfDayUTC truncates t to midnight UTC.
func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// subtractIntervals removes every busy interval from the free set. Both
// inputs may be unsorted; the result is sorted and non-overlapping as long
// as the free set was.
func subtractIntervals(free []interval, busy []interval) []interval {
	if len(busy) == 0 {
		return free
	}

	sorted := make([]interval, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start.Before(sorted[j].start) })

	var out []interval
	for _, f := range free {
		cur := f
		for _, b := range sorted {
			if !b.overlaps(cur.start, cur.end) {
				continue
			}
			if b.start.After(cur.start) {
				out = append(out, interval{start: cur.start, end: b.start})
			}
			if b.end.After(cur.start) {
				cur.start = b.end
			}
			if !cur.start.Before(cur.end) {
				break
			}
		}
		if cur.start.Before(cur.end) {
			out = append(out, cur)
		}
	}
	return out
}

// slotsForRange derives the free slots for one practitioner at one unit
// between from (inclusive) and to (exclusive). The weekly template is
// applied per UTC day, blocks and occupying appointments are subtracted,
// and each remaining free interval is partitioned into duration-length
// slots from its start. A free remainder shorter than one duration yields
// no slot, so slots never span a block or break boundary.
func slotsForRange(affiliation *Affiliation, tmpl []WorkingInterval, blocks []Block, appts []Appointment, from, to time.Time) []Slot {
	duration := time.Duration(affiliation.SlotMinutes) * time.Minute
	if duration <= 0 || !from.Before(to) {
		return nil
	}

	busy := make([]interval, 0, len(blocks)+len(appts))
	for _, b := range blocks {
		busy = append(busy, interval{start: b.StartTime.UTC(), end: b.EndTime.UTC()})
	}
	for i := range appts {
		busy = append(busy, interval{start: appts[i].StartTime.UTC(), end: appts[i].EndTime().UTC()})
	}

	byWeekday := make(map[time.Weekday][]WorkingInterval)
	for _, wi := range tmpl {
		byWeekday[wi.Weekday] = append(byWeekday[wi.Weekday], wi)
	}

	var slots []Slot
	for day := startOfDayUTC(from); day.Before(to); day = day.AddDate(0, 0, 1) {
		windows := byWeekday[day.Weekday()]
		if len(windows) == 0 {
			continue
		}

		free := make([]interval, 0, len(windows))
		for _, w := range windows {
			iv := interval{
				start: day.Add(time.Duration(w.StartMinute) * time.Minute),
				end:   day.Add(time.Duration(w.EndMinute) * time.Minute),
			}
			// Clip to the requested range.
			if iv.start.Before(from) {
				iv.start = from
			}
			if iv.end.After(to) {
				iv.end = to
			}
			if iv.start.Before(iv.end) {
				free = append(free, iv)
			}
		}
		sort.Slice(free, func(i, j int) bool { return free[i].start.Before(free[j].start) })

		for _, f := range subtractIntervals(free, busy) {
			for t := f.start; !t.Add(duration).After(f.end); t = t.Add(duration) {
				slots = append(slots, Slot{
					PractitionerID: affiliation.PractitionerID,
					UnitID:         affiliation.UnitID,
					StartTime:      t,
					EndTime:        t.Add(duration),
				})
			}
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].StartTime.Before(slots[j].StartTime) })
	return slots
}
