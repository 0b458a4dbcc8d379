package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// flexibleTime accepts yyyy-m-d[(T| )h:m[:s][.fraction]][Z|±hh:mm]. Any
// component after the date may be missing and single-digit fields are fine.
var flexibleTime = regexp.MustCompile(`(?i)^(\d{4})-(\d{1,2})-(\d{1,2})(?:[T\s](\d{1,2}):(\d{1,2})(?::(\d{1,2}))?(?:\.(\d{1,9})\d*)?)?(Z|[+-]\d{2}:?\d{2})?$`)

// ParseFlexibleTime parses the timestamps of the measurement feed. A value
// without zone designator is taken as UTC.
func ParseFlexibleTime(s string) (time.Time, error) {
	m := flexibleTime.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	num := func(i int) int {
		if m[i] == "" {
			return 0
		}
		n, _ := strconv.Atoi(m[i])
		return n
	}
	nanos := 0
	if frac := m[7]; frac != "" {
		// right-pad to nanoseconds so ".5" is 500ms
		for len(frac) < 9 {
			frac += "0"
		}
		nanos, _ = strconv.Atoi(frac)
	}
	loc := time.UTC
	if zone := m[8]; zone != "" && zone != "Z" && zone != "z" {
		sign := 1
		if zone[0] == '-' {
			sign = -1
		}
		digits := zone[1:]
		if len(digits) == 5 {
			digits = digits[:2] + digits[3:]
		}
		hh, _ := strconv.Atoi(digits[:2])
		mm, _ := strconv.Atoi(digits[2:])
		loc = time.FixedZone(zone, sign*(hh*3600+mm*60))
	}
	month := num(2)
	day := num(3)
	if month < 1 || month > 12 || day < 1 || day > 31 || num(4) > 23 || num(5) > 59 || num(6) > 59 {
		return time.Time{}, fmt.Errorf("timestamp out of range %q", s)
	}
	t := time.Date(num(1), time.Month(month), day, num(4), num(5), num(6), nanos, loc)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("timestamp out of range %q", s)
	}
	return t.UTC(), nil
}
