package model

import (
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"
)

var planIDRegex = regexp.MustCompile(`^plan_([0-9]{10})_([0-9]+)$`)

var planSeq atomic.Uint64

// GeneratePlanID returns a plan identifier of the form
// plan_<unix-timestamp>_<sequence>. The sequence makes ids created within
// the same second distinct inside one process; the planner additionally
// checks the store and regenerates on the rare cross-restart collision.
func GeneratePlanID() string {
	return fmt.Sprintf("plan_%010d_%d", time.Now().Unix(), planSeq.Add(1))
}

// StepID returns the stable identifier of a step within a plan.
// Ordinals are 1-based in creation order.
func StepID(planID string, ordinal int) string {
	return fmt.Sprintf("%s_step_%d", planID, ordinal)
}

func ValidatePlanID(id string) bool {
	return planIDRegex.MatchString(id)
}

// PlanIDTimestamp extracts the creation timestamp embedded in a plan id.
func PlanIDTimestamp(id string) (time.Time, error) {
	m := planIDRegex.FindStringSubmatch(id)
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid plan id format: %s", id)
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from plan id %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
