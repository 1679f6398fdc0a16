package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/example/lecturegrab/internal/booking"
)

// Catalog is the read side of the portal used before a task is armed.
type Catalog interface {
	Lectures(ctx context.Context, loc *time.Location) ([]booking.Resource, error)
	CheckPermission(ctx context.Context, resourceID string) error
}

// Preflight completes and checks a task against the live listing: it fills
// in the display name and, when unset, the target time from the booking
// window start. It refuses a resource that is not listed or whose booking
// window has already closed, and optionally asks the portal whether the
// account may book it.
func Preflight(ctx context.Context, cat Catalog, task booking.Task, loc *time.Location, now time.Time, checkPermission bool) (booking.Task, booking.Resource, error) {
	resources, err := cat.Lectures(ctx, loc)
	if err != nil {
		return task, booking.Resource{}, fmt.Errorf("listing: %w", err)
	}
	r, ok := booking.FindResource(resources, task.ResourceID)
	if !ok {
		return task, booking.Resource{}, fmt.Errorf("%w: resource %q is not listed", booking.ErrInvalidTask, task.ResourceID)
	}
	if task.DisplayName == "" {
		task.DisplayName = r.DisplayName
	}
	if task.TargetTime.IsZero() {
		task.TargetTime = r.StartTime
	}
	if !r.EndTime.IsZero() && now.After(r.EndTime) {
		return task, r, fmt.Errorf("%w: ended %s", booking.ErrWindowClosed, r.EndTime.Format(time.DateTime))
	}
	if checkPermission {
		if err := cat.CheckPermission(ctx, task.ResourceID); err != nil {
			return task, r, err
		}
	}
	return task, r, task.Validate()
}
