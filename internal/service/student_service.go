package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/students-api/internal/models"
	appErrors "github.com/noah-isme/students-api/pkg/errors"
)

type studentRepository interface {
	FindByID(ctx context.Context, id int64) (*models.Student, error)
	FindByEmail(ctx context.Context, email string) (*models.Student, error)
	List(ctx context.Context) ([]models.Student, error)
	Create(ctx context.Context, student *models.Student) error
	Update(ctx context.Context, student *models.Student) error
}

// CreateStudentRequest holds payload for creating students.
type CreateStudentRequest struct {
	FirstName      string      `json:"firstName" validate:"max=100"`
	LastName       string      `json:"lastName" validate:"max=100"`
	Email          string      `json:"email" validate:"max=150"`
	EnrollmentDate models.Date `json:"enrollmentDate" validate:"-"`
}

// UpdateStudentRequest is the PUT payload. Any field left out is erased.
type UpdateStudentRequest struct {
	FirstName *string `json:"firstName" validate:"omitempty,max=100"`
	LastName  *string `json:"lastName" validate:"omitempty,max=100"`
	Email     *string `json:"email" validate:"omitempty,max=150"`
}

// PatchStudentRequest is the PATCH payload. Only fields present are changed.
type PatchStudentRequest struct {
	FirstName      *string      `json:"firstName" validate:"omitempty,max=100"`
	LastName       *string      `json:"lastName" validate:"omitempty,max=100"`
	Email          *string      `json:"email" validate:"omitempty,max=150"`
	EnrollmentDate *models.Date `json:"enrollmentDate" validate:"-"`

	// nulls lists the fields sent as an explicit JSON null.
	nulls []string
}

// UnmarshalJSON decodes the payload and records fields sent as null, which
// a plain pointer cannot tell apart from an absent field.
func (r *PatchStudentRequest) UnmarshalJSON(data []byte) error {
	type plain PatchStudentRequest
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = PatchStudentRequest(decoded)
	r.nulls = nil
	for _, name := range []string{"firstName", "lastName", "email", "enrollmentDate"} {
		if v, ok := raw[name]; ok && bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			r.nulls = append(r.nulls, name)
		}
	}
	return nil
}

func (r PatchStudentRequest) sentNull(field string) bool {
	for _, name := range r.nulls {
		if name == field {
			return true
		}
	}
	return false
}

// jsonFieldNames maps request struct fields to their wire names.
var jsonFieldNames = map[string]string{
	"FirstName":      "firstName",
	"LastName":       "lastName",
	"Email":          "email",
	"EnrollmentDate": "enrollmentDate",
}

const (
	msgCreateFailed = "Failed to create student due to internal server error"
	msgLoadFailed   = "Failed to load student"
	msgListFailed   = "Failed to list students"
	msgUpdateFailed = "Failed to update student"
	msgNoData       = "No data available"
)

// StudentService handles student use-cases.
type StudentService struct {
	repo      studentRepository
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs the student service. cache and metrics may be nil.
func NewStudentService(repo studentRepository, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{repo: repo, cache: cache, metrics: metrics, validator: validate, logger: logger}
}

// Create registers a new student. All missing required fields are reported
// together; the email must not belong to another student.
func (s *StudentService) Create(ctx context.Context, req CreateStudentRequest) (student *models.Student, err error) {
	defer func() { s.record("create", err) }()

	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Email = strings.TrimSpace(req.Email)

	if missing := missingFields(req); len(missing) > 0 {
		return nil, validationError("Missing required fields: "+strings.Join(missing, ", "), missing)
	}
	if err := s.checkLengths(req); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByEmail(ctx, req.Email)
	switch {
	case err == nil && existing != nil:
		return nil, appErrors.Clone(appErrors.ErrDuplicateEmail, "")
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, s.internal(err, msgCreateFailed, zap.String("op", "create"))
	}

	student = &models.Student{
		FirstName:      models.StringPtr(req.FirstName),
		LastName:       models.StringPtr(req.LastName),
		Email:          models.StringPtr(req.Email),
		EnrollmentDate: req.EnrollmentDate,
	}
	if err := s.repo.Create(ctx, student); err != nil {
		// The pre-check above races with concurrent creates; the unique
		// constraint is authoritative.
		if errors.Is(err, appErrors.ErrDuplicateEmail) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateEmail, "")
		}
		return nil, s.internal(err, msgCreateFailed, zap.String("op", "create"))
	}

	s.cache.Invalidate(ctx, studentListKey)
	return student, nil
}

// FindAll returns every student in storage order. An empty table is reported
// as NotFound rather than an empty list.
func (s *StudentService) FindAll(ctx context.Context) (students []models.Student, err error) {
	defer func() { s.record("find_all", err) }()

	if s.cache.Get(ctx, studentListKey, &students) && len(students) > 0 {
		return students, nil
	}

	students, err = s.repo.List(ctx)
	if err != nil {
		return nil, s.internal(err, msgListFailed, zap.String("op", "find_all"))
	}
	if len(students) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, msgNoData)
	}

	s.cache.Set(ctx, studentListKey, students, 0)
	return students, nil
}

// FindOne returns the student with the given id.
func (s *StudentService) FindOne(ctx context.Context, id int64) (student *models.Student, err error) {
	defer func() { s.record("find_one", err) }()

	var cached models.Student
	if s.cache.Get(ctx, StudentCacheKey(id), &cached) {
		return &cached, nil
	}

	student, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache.Set(ctx, StudentCacheKey(id), student, 0)
	return student, nil
}

// Update replaces first name, last name and email. Fields missing from req
// are erased; the enrollment date and creation time are left alone. The
// record is looked up before the payload is checked, so an unknown id is
// always NotFound.
func (s *StudentService) Update(ctx context.Context, id int64, req UpdateStudentRequest) (student *models.Student, err error) {
	defer func() { s.record("update", err) }()

	student, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	req.FirstName = normalize(req.FirstName)
	req.LastName = normalize(req.LastName)
	req.Email = normalize(req.Email)
	if err := s.checkLengths(req); err != nil {
		return nil, err
	}
	if err := s.ensureEmailAvailable(ctx, student, req.Email); err != nil {
		return nil, err
	}

	student.FirstName = req.FirstName
	student.LastName = req.LastName
	student.Email = req.Email

	return s.save(ctx, student, "update")
}

// Patch merges the fields present in req into the stored student. A present
// field may not be blank or null.
func (s *StudentService) Patch(ctx context.Context, id int64, req PatchStudentRequest) (student *models.Student, err error) {
	defer func() { s.record("patch", err) }()

	student, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if blank := blankFields(req); len(blank) > 0 {
		return nil, validationError("Fields cannot be empty: "+strings.Join(blank, ", "), blank)
	}
	req.FirstName = normalize(req.FirstName)
	req.LastName = normalize(req.LastName)
	req.Email = normalize(req.Email)
	if err := s.checkLengths(req); err != nil {
		return nil, err
	}
	if err := s.ensureEmailAvailable(ctx, student, req.Email); err != nil {
		return nil, err
	}

	if req.FirstName != nil {
		student.FirstName = req.FirstName
	}
	if req.LastName != nil {
		student.LastName = req.LastName
	}
	if req.Email != nil {
		student.Email = req.Email
	}
	if req.EnrollmentDate != nil {
		student.EnrollmentDate = *req.EnrollmentDate
	}

	return s.save(ctx, student, "patch")
}

func (s *StudentService) load(ctx context.Context, id int64) (*models.Student, error) {
	student, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, s.internal(err, msgLoadFailed, zap.Int64("id", id))
	}
	return student, nil
}

// save writes student. Its cache entries are dropped before and after the write.
func (s *StudentService) save(ctx context.Context, student *models.Student, op string) (*models.Student, error) {
	keys := []string{StudentCacheKey(student.ID), studentListKey}
	s.cache.Invalidate(ctx, keys...)
	if err := s.repo.Update(ctx, student); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, notFound(student.ID)
		case errors.Is(err, appErrors.ErrDuplicateEmail):
			return nil, appErrors.Clone(appErrors.ErrDuplicateEmail, "")
		}
		return nil, s.internal(err, msgUpdateFailed, zap.String("op", op), zap.Int64("id", student.ID))
	}
	s.cache.Invalidate(ctx, keys...)
	return student, nil
}

// ensureEmailAvailable fails when email is owned by a student other than current.
func (s *StudentService) ensureEmailAvailable(ctx context.Context, current *models.Student, email *string) error {
	if email == nil || (current.Email != nil && *current.Email == *email) {
		return nil
	}
	owner, err := s.repo.FindByEmail(ctx, *email)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return s.internal(err, msgUpdateFailed, zap.Int64("id", current.ID))
	case owner != nil && owner.ID != current.ID:
		return appErrors.Clone(appErrors.ErrDuplicateEmail, "")
	}
	return nil
}

func (s *StudentService) checkLengths(req interface{}) error {
	err := s.validator.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldName(fe.StructField()))
	}
	return validationError("Fields exceed maximum length: "+strings.Join(fields, ", "), fields)
}

// internal logs the cause and returns an opaque error safe to show callers.
func (s *StudentService) internal(err error, message string, fields ...zap.Field) error {
	s.logger.Error(strings.ToLower(message), append(fields, zap.Error(err))...)
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func (s *StudentService) record(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = appErrors.FromError(err).Code
	}
	s.metrics.RecordStudentOperation(op, outcome)
}

func missingFields(req CreateStudentRequest) []string {
	var missing []string
	if req.FirstName == "" {
		missing = append(missing, "firstName")
	}
	if req.LastName == "" {
		missing = append(missing, "lastName")
	}
	if req.Email == "" {
		missing = append(missing, "email")
	}
	if req.EnrollmentDate.IsZero() {
		missing = append(missing, "enrollmentDate")
	}
	return missing
}

func blankFields(req PatchStudentRequest) []string {
	var blank []string
	for _, f := range []struct {
		name  string
		value *string
	}{
		{"firstName", req.FirstName},
		{"lastName", req.LastName},
		{"email", req.Email},
	} {
		if (f.value != nil && strings.TrimSpace(*f.value) == "") || req.sentNull(f.name) {
			blank = append(blank, f.name)
		}
	}
	if (req.EnrollmentDate != nil && req.EnrollmentDate.IsZero()) || req.sentNull("enrollmentDate") {
		blank = append(blank, "enrollmentDate")
	}
	return blank
}

// normalize trims v and maps blank values to nil.
func normalize(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func fieldName(structField string) string {
	if name, ok := jsonFieldNames[structField]; ok {
		return name
	}
	return structField
}

func validationError(message string, fields []string) *appErrors.Error {
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, message), fields)
}

func notFound(id int64) *appErrors.Error {
	return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("Student with ID %d not found", id))
}
