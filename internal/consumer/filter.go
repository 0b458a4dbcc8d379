package consumer

import (
	"fmt"
	"strconv"
	"strings"

	"hydroconsumer/internal/model"
)

// Filter is the pair of allow-lists applied before reconciliation.
// A nil set accepts everything.
type Filter struct {
	kinds map[model.EventKind]struct{}
	types map[int]struct{}
}

// ParseFilter reads the event allow-list as letters from "aud" and the
// examination types as a comma separated list. Empty means all.
func ParseFilter(events string, examinationTypes string) (Filter, error) {
	var f Filter
	if events = strings.TrimSpace(events); events != "" {
		f.kinds = make(map[model.EventKind]struct{}, 3)
		for _, r := range strings.ToLower(events) {
			switch r {
			case 'a':
				f.kinds[model.KindAdded] = struct{}{}
			case 'u':
				f.kinds[model.KindUpdated] = struct{}{}
			case 'd':
				f.kinds[model.KindDeleted] = struct{}{}
			default:
				return Filter{}, fmt.Errorf("event filter %q: unknown letter %q, want a subset of \"aud\"", events, r)
			}
		}
	}
	for _, part := range strings.Split(examinationTypes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sc, err := strconv.Atoi(part)
		if err != nil {
			return Filter{}, fmt.Errorf("examination type filter: %w", err)
		}
		if f.types == nil {
			f.types = make(map[int]struct{})
		}
		f.types[sc] = struct{}{}
	}
	return f, nil
}

// Allows reports whether ev passes both allow-lists.
func (f Filter) Allows(ev model.ChangeEvent) bool {
	if f.kinds != nil {
		if _, ok := f.kinds[ev.Kind()]; !ok {
			return false
		}
	}
	if f.types != nil {
		if _, ok := f.types[ev.Key.ExaminationTypeSc]; !ok {
			return false
		}
	}
	return true
}
