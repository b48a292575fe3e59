package models

import "time"

// Student is a row of the students table. FirstName, LastName and Email are
// nullable because a full update erases the fields it does not receive.
type Student struct {
	ID             int64     `db:"id" json:"id"`
	FirstName      *string   `db:"first_name" json:"firstName"`
	LastName       *string   `db:"last_name" json:"lastName"`
	Email          *string   `db:"email" json:"email"`
	EnrollmentDate Date      `db:"enrollment_date" json:"enrollmentDate"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Deref returns the value behind s or "" when s is nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
