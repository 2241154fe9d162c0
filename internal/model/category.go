package model

import (
	"fmt"
	"strings"
)

// Category selects the query, payload builder, and watermark key of a sync job.
type Category string

const (
	CategoryNewActive        Category = "new-active"
	CategoryUpdatedActive    Category = "updated-active"
	CategoryNewCompleted     Category = "new-completed"
	CategoryUpdatedCompleted Category = "updated-completed"
	CategoryNewCancelled     Category = "new-cancelled"
	CategoryUpdatedCancelled Category = "updated-cancelled"

	// CategoryInstance syncs bare person instances ahead of any enrollment.
	CategoryInstance Category = "instance"
)

// EnrollmentCategories lists the enrollment categories in their run order.
var EnrollmentCategories = []Category{
	CategoryNewActive,
	CategoryUpdatedActive,
	CategoryNewCompleted,
	CategoryUpdatedCompleted,
	CategoryNewCancelled,
	CategoryUpdatedCancelled,
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == CategoryInstance {
		return c, nil
	}
	for _, known := range EnrollmentCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// IsNew reports whether the category submits enrollments that were never tracked.
func (c Category) IsNew() bool {
	return strings.HasPrefix(string(c), "new-") || c == CategoryInstance
}

// IsInstance reports whether the category is the bare-instance path.
func (c Category) IsInstance() bool {
	return c == CategoryInstance
}

// TargetStatus is the enrollment status a job of this category ends with.
func (c Category) TargetStatus() Status {
	switch c {
	case CategoryNewCompleted, CategoryUpdatedCompleted:
		return StatusCompleted
	case CategoryNewCancelled, CategoryUpdatedCancelled:
		return StatusCancelled
	case CategoryNewActive, CategoryUpdatedActive:
		return StatusActive
	default:
		return StatusNone
	}
}

// StepName is the human-readable name of the category's submission step.
func (c Category) StepName() string {
	if c == CategoryInstance {
		return "new instances"
	}
	prefix, status, _ := strings.Cut(string(c), "-")
	return fmt.Sprintf("%s %s enrollments", prefix, status)
}

// FollowUpName is the name of the status follow-up step, empty for instances.
func (c Category) FollowUpName() string {
	if c == CategoryInstance {
		return ""
	}
	return "mark enrollment " + strings.ToLower(string(c.TargetStatus()))
}
