package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/grading/model"
)

const (
	DefaultAssignmentCacheTTL      = 30 * time.Second
	defaultAssignmentCacheEmptyTTL = 5 * time.Second
	assignmentCacheKeyPrefix       = "assignment:"

	assignmentColumns = "assignment_id, title, status, due_date, max_score"
)

var (
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// AssignmentRepository reads assignments.
type AssignmentRepository interface {
	GetByID(ctx context.Context, tx db.Transaction, assignmentID string) (*model.Assignment, error)
	// GetForUpdate locks the assignment row until tx ends.
	GetForUpdate(ctx context.Context, tx db.Transaction, assignmentID string) (*model.Assignment, error)
}

// MySQLAssignmentRepository implements AssignmentRepository with MySQL and an optional cache.
type MySQLAssignmentRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewAssignmentRepository creates an assignment repository. A nil cache or a
// non-positive ttl disables caching.
func NewAssignmentRepository(database db.Database, cacheClient cache.Cache, ttl time.Duration) *MySQLAssignmentRepository {
	if ttl <= 0 {
		cacheClient = nil
	}
	emptyTTL := defaultAssignmentCacheEmptyTTL
	if ttl > 0 && ttl < emptyTTL {
		emptyTTL = ttl
	}
	return &MySQLAssignmentRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

// GetByID returns the assignment, served from cache outside transactions.
func (r *MySQLAssignmentRepository) GetByID(ctx context.Context, tx db.Transaction, assignmentID string) (*model.Assignment, error) {
	if assignmentID == "" {
		return nil, errors.New("assignmentID is required")
	}
	if r.cache == nil || tx != nil {
		return r.getFromDB(ctx, tx, assignmentID, false)
	}
	assignment, err := cache.GetWithCached[*model.Assignment](
		ctx,
		r.cache,
		assignmentCacheKeyPrefix+assignmentID,
		cache.JitterTTL(r.ttl),
		cache.JitterTTL(r.emptyTTL),
		func(a *model.Assignment) bool { return a == nil },
		marshalAssignment,
		unmarshalAssignment,
		func(ctx context.Context) (*model.Assignment, error) {
			a, err := r.getFromDB(ctx, nil, assignmentID, false)
			if errors.Is(err, ErrAssignmentNotFound) {
				return nil, nil
			}
			return a, err
		},
	)
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		return nil, ErrAssignmentNotFound
	}
	return assignment, nil
}

// GetForUpdate always reads through to MySQL.
func (r *MySQLAssignmentRepository) GetForUpdate(ctx context.Context, tx db.Transaction, assignmentID string) (*model.Assignment, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}
	if assignmentID == "" {
		return nil, errors.New("assignmentID is required")
	}
	return r.getFromDB(ctx, tx, assignmentID, true)
}

func (r *MySQLAssignmentRepository) getFromDB(ctx context.Context, tx db.Transaction, assignmentID string, lock bool) (*model.Assignment, error) {
	query := "SELECT " + assignmentColumns + " FROM assignments WHERE assignment_id = ? LIMIT 1"
	if lock {
		query += " FOR UPDATE"
	}
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, assignmentID)
	a := &model.Assignment{}
	if err := row.Scan(&a.AssignmentID, &a.Title, &a.Status, &a.DueDate, &a.MaxScore); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrAssignmentNotFound
		}
		return nil, err
	}
	return a, nil
}

func marshalAssignment(a *model.Assignment) string {
	if a == nil {
		return ""
	}
	data, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalAssignment(data string) (*model.Assignment, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var a model.Assignment
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, err
	}
	return &a, nil
}
