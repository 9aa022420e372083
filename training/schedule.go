package training

import "fmt"

// Schedule is the strictly increasing list of basis sizes at which the
// coefficients are re-solved. The last target is the hard cap. Targets
// before the cursor have been reached; the rest may be revised.
type Schedule struct {
	targets []int
	next    int
	cap     int
}

// NewSchedule builds the default growth schedule up to limit. The first
// target is start, or min(10, limit) when start is 0; each later target is
// min(2r, r+maxNew) until the cap.
func NewSchedule(start, limit, maxNew int) (*Schedule, error) {
	if limit < 1 {
		return nil, fmt.Errorf("schedule: cap must be positive, got %d", limit)
	}
	if maxNew < 1 {
		return nil, fmt.Errorf("schedule: growth step must be positive, got %d", maxNew)
	}
	r := start
	if r <= 0 {
		r = min(10, limit)
	}
	r = min(r, limit)

	targets := []int{r}
	for r < limit {
		r = min(2*r, r+maxNew, limit)
		targets = append(targets, r)
	}
	return &Schedule{targets: targets, cap: limit}, nil
}

// SingleCheckpoint returns a schedule with the one target n.
func SingleCheckpoint(n int) *Schedule {
	return &Schedule{targets: []int{n}, cap: n}
}

// Next returns the upcoming target. ok is false when every target has
// been reached.
func (s *Schedule) Next() (target int, ok bool) {
	if s.next >= len(s.targets) {
		return 0, false
	}
	return s.targets[s.next], true
}

// Advance marks the upcoming target as reached.
func (s *Schedule) Advance() {
	if s.next < len(s.targets) {
		s.next++
	}
}

// Revise replaces the upcoming target with size, clipped to
// (last reached, cap]. Pending targets at or below it are dropped, so the
// schedule stays strictly increasing.
func (s *Schedule) Revise(size int) int {
	floor := 0
	if s.next > 0 {
		floor = s.targets[s.next-1]
	}
	size = max(min(size, s.cap), floor+1)
	if size > s.cap {
		return 0
	}

	kept := s.targets[:s.next:s.next]
	kept = append(kept, size)
	for _, t := range s.targets[s.next:] {
		if t > size {
			kept = append(kept, t)
		}
	}
	s.targets = kept
	return size
}

// Cap returns the largest target.
func (s *Schedule) Cap() int {
	return s.cap
}

// Reached returns the number of targets reached so far.
func (s *Schedule) Reached() int {
	return s.next
}

// Targets returns a copy of every target, reached or pending.
func (s *Schedule) Targets() []int {
	out := make([]int, len(s.targets))
	copy(out, s.targets)
	return out
}
