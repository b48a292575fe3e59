package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/noah-isme/students-api/internal/models"
	appErrors "github.com/noah-isme/students-api/pkg/errors"
)

const studentColumns = "id, first_name, last_name, email, enrollment_date, created_at, updated_at"

const pqUniqueViolation = "23505"

// QueryObserver receives the duration of every statement the repository runs.
type QueryObserver interface {
	ObserveDBQuery(label string, duration time.Duration)
}

// StudentRepository manages persistence for student records.
type StudentRepository struct {
	db      *sqlx.DB
	metrics QueryObserver
	now     func() time.Time
}

// NewStudentRepository constructs a StudentRepository. metrics may be nil.
func NewStudentRepository(db *sqlx.DB, metrics QueryObserver) *StudentRepository {
	return &StudentRepository{db: db, metrics: metrics, now: time.Now}
}

// FindByID fetches a student by primary key. It returns sql.ErrNoRows when
// the id is unknown.
func (r *StudentRepository) FindByID(ctx context.Context, id int64) (*models.Student, error) {
	defer r.observe("students.find_by_id", time.Now())
	query := r.db.Rebind("SELECT " + studentColumns + " FROM students WHERE id = ?")
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindByEmail fetches a student by email. It returns sql.ErrNoRows when no
// row carries that email.
func (r *StudentRepository) FindByEmail(ctx context.Context, email string) (*models.Student, error) {
	defer r.observe("students.find_by_email", time.Now())
	query := r.db.Rebind("SELECT " + studentColumns + " FROM students WHERE email = ? LIMIT 1")
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, email); err != nil {
		return nil, err
	}
	return &student, nil
}

// List returns every student in storage order.
func (r *StudentRepository) List(ctx context.Context) ([]models.Student, error) {
	defer r.observe("students.list", time.Now())
	students := make([]models.Student, 0)
	if err := r.db.SelectContext(ctx, &students, "SELECT "+studentColumns+" FROM students ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return students, nil
}

// Create inserts a new student record and assigns its id and timestamps.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student) error {
	defer r.observe("students.create", time.Now())
	now := r.timestamp()
	student.CreatedAt = now
	student.UpdatedAt = now

	query := r.db.Rebind(`INSERT INTO students (first_name, last_name, email, enrollment_date, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
	row := r.db.QueryRowxContext(ctx, query,
		student.FirstName,
		student.LastName,
		student.Email,
		student.EnrollmentDate,
		student.CreatedAt,
		student.UpdatedAt,
	)
	if err := row.Scan(&student.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create student: %w", appErrors.ErrDuplicateEmail)
		}
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// Update writes every mutable column and refreshes UpdatedAt. It returns
// sql.ErrNoRows when the row no longer exists.
func (r *StudentRepository) Update(ctx context.Context, student *models.Student) error {
	defer r.observe("students.update", time.Now())
	updatedAt := r.timestamp()
	if !updatedAt.After(student.UpdatedAt) {
		updatedAt = student.UpdatedAt.Add(time.Microsecond)
	}

	query := r.db.Rebind(`UPDATE students SET first_name = ?, last_name = ?, email = ?, enrollment_date = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query,
		student.FirstName,
		student.LastName,
		student.Email,
		student.EnrollmentDate,
		updatedAt,
		student.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update student: %w", appErrors.ErrDuplicateEmail)
		}
		return fmt.Errorf("update student: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	student.UpdatedAt = updatedAt
	return nil
}

// timestamp is truncated to the microsecond precision both dialects keep.
func (r *StudentRepository) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *StudentRepository) observe(label string, start time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveDBQuery(label, time.Since(start))
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
