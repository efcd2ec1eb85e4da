package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bloodbank-api/internal/model"
	"bloodbank-api/pkg/uid"
)

// timestampLayout is fixed-width so text timestamps sort chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// sqlDialect captures what differs between the database/sql backends.
type sqlDialect struct {
	name      string
	schema    []string
	forUpdate string
	timeArg   func(time.Time) interface{}
	backend   func(ctx context.Context, db *sql.DB) map[string]interface{}
}

// sqlStore implements Store on top of database/sql. It backs both the SQLite and
// the MySQL stores; statements use "?" placeholders, which both drivers accept.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func newSQLStore(db *sql.DB, d sqlDialect) *sqlStore {
	return &sqlStore{db: db, dialect: d}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func dateArg(t time.Time) string {
	return model.Day(t).Format(model.DateLayout)
}

// dbTime scans DATE, DATETIME and text-encoded timestamps.
type dbTime struct {
	Time time.Time
}

var dbTimeLayouts = []string{
	timestampLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	model.DateLayout,
}

func (d *dbTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		d.Time = time.Time{}
		return nil
	case time.Time:
		d.Time = v.UTC()
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	}
	return fmt.Errorf("unsupported time value of type %T", src)
}

func (d *dbTime) parse(s string) error {
	for _, layout := range dbTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized time value %q", s)
}

const unitColumns = `id, blood_group, volume_ml, collected_on, expires_on, status, location, created_by, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUnit(row rowScanner) (*model.InventoryUnit, error) {
	var u model.InventoryUnit
	var collected, expires, created dbTime
	err := row.Scan(&u.ID, &u.BloodGroup, &u.VolumeML, &collected, &expires, &u.Status, &u.Location, &u.CreatedBy, &created)
	if err != nil {
		return nil, err
	}
	u.CollectedOn = model.Day(collected.Time)
	u.ExpiresOn = model.Day(expires.Time)
	u.CreatedAt = created.Time
	return &u, nil
}

func collectUnits(rows *sql.Rows) ([]model.InventoryUnit, error) {
	defer rows.Close()
	units := []model.InventoryUnit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, *u)
	}
	return units, rows.Err()
}

const requestColumns = `id, requester_name, requester_email, requester_phone, blood_group, quantity,
	hospital, city, urgency, status, created_by, acted_by, fulfillment_key, created_at, updated_at`

func scanRequest(row rowScanner) (*model.BloodRequest, error) {
	var r model.BloodRequest
	var created, updated dbTime
	err := row.Scan(&r.ID, &r.RequesterName, &r.RequesterEmail, &r.RequesterPhone, &r.BloodGroup, &r.Quantity,
		&r.Hospital, &r.City, &r.Urgency, &r.Status, &r.CreatedBy, &r.ActedBy, &r.FulfillmentKey, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = created.Time
	r.UpdatedAt = updated.Time
	return &r, nil
}

const allocationColumns = `id, request_id, inventory_id, allocated_by, allocated_at`

// CreateUnit inserts a new unit.
func (s *sqlStore) CreateUnit(ctx context.Context, u *model.InventoryUnit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, string(u.BloodGroup), u.VolumeML, dateArg(u.CollectedOn), dateArg(u.ExpiresOn),
		string(u.Status), u.Location, u.CreatedBy, s.dialect.timeArg(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert unit: %w", err)
	}
	return nil
}

// GetUnit returns one unit or ErrNotFound.
func (s *sqlStore) GetUnit(ctx context.Context, id string) (*model.InventoryUnit, error) {
	return s.getUnit(ctx, s.db, id)
}

func (s *sqlStore) getUnit(ctx context.Context, q queryer, id string) (*model.InventoryUnit, error) {
	u, err := scanUnit(q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM inventory WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return u, nil
}

// ListUnits returns a page of units ordered by expiry and the total matching count.
func (s *sqlStore) ListUnits(ctx context.Context, f UnitFilter) ([]model.InventoryUnit, int64, error) {
	var where []string
	var args []interface{}
	if f.BloodGroup != "" {
		where = append(where, "blood_group = ?")
		args = append(args, string(f.BloodGroup))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count units: %w", err)
	}

	pageArgs := append(args, pageLimit(f.Limit), f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM inventory`+clause+` ORDER BY expires_on ASC, id ASC LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list units: %w", err)
	}
	units, err := collectUnits(rows)
	if err != nil {
		return nil, 0, err
	}
	return units, total, nil
}

// QueryAvailableUnits returns allocation candidates in FEFO order.
func (s *sqlStore) QueryAvailableUnits(ctx context.Context, q AvailabilityQuery) ([]model.InventoryUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unitColumns+`
		FROM inventory
		WHERE blood_group = ? AND status = ? AND expires_on >= ?
		ORDER BY expires_on ASC, id ASC
		LIMIT ?`,
		string(q.BloodGroup), string(model.UnitAvailable), dateArg(q.NotExpiredBefore), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query available units: %w", err)
	}
	return collectUnits(rows)
}

// DiscardUnit moves an available unit to discarded.
func (s *sqlStore) DiscardUnit(ctx context.Context, id string) (*model.InventoryUnit, error) {
	var unit *model.InventoryUnit
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE inventory SET status = ? WHERE id = ? AND status = ?`,
			string(model.UnitDiscarded), id, string(model.UnitAvailable))
		if err != nil {
			return fmt.Errorf("failed to discard unit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		current, err := s.getUnit(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("unit %s is %s: %w", id, current.Status, ErrConflict)
		}
		unit = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// DeleteUnit removes a unit that no allocation references.
func (s *sqlStore) DeleteUnit(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var refs int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocations WHERE inventory_id = ?`, id).Scan(&refs); err != nil {
			return fmt.Errorf("failed to check allocations: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("unit %s is allocated: %w", id, ErrConflict)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM inventory WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete unit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DiscardExpired moves expired available units to discarded.
func (s *sqlStore) DiscardExpired(ctx context.Context, today time.Time) ([]string, error) {
	cutoff := dateArg(today)
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM inventory WHERE status = ? AND expires_on < ?`+s.dialect.forUpdate,
			string(model.UnitAvailable), cutoff)
		if err != nil {
			return fmt.Errorf("failed to select expired units: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE inventory SET status = ? WHERE status = ? AND expires_on < ?`,
			string(model.UnitDiscarded), string(model.UnitAvailable), cutoff)
		if err != nil {
			return fmt.Errorf("failed to discard expired units: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateRequest inserts a new request.
func (s *sqlStore) CreateRequest(ctx context.Context, r *model.BloodRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blood_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequesterName, r.RequesterEmail, r.RequesterPhone, string(r.BloodGroup), r.Quantity,
		r.Hospital, r.City, string(r.Urgency), string(r.Status), r.CreatedBy, r.ActedBy, r.FulfillmentKey,
		s.dialect.timeArg(r.CreatedAt), s.dialect.timeArg(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// GetRequest returns one request or ErrNotFound.
func (s *sqlStore) GetRequest(ctx context.Context, id string) (*model.BloodRequest, error) {
	return s.getRequest(ctx, s.db, id, "")
}

func (s *sqlStore) getRequest(ctx context.Context, q queryer, id, lock string) (*model.BloodRequest, error) {
	r, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM blood_requests WHERE id = ?`+lock, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

// ListRequests returns a page of requests, newest first, and the total count.
func (s *sqlStore) ListRequests(ctx context.Context, f RequestFilter) ([]model.BloodRequest, int64, error) {
	var where []string
	var args []interface{}
	if f.BloodGroup != "" {
		where = append(where, "blood_group = ?")
		args = append(args, string(f.BloodGroup))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blood_requests`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	pageArgs := append(args, pageLimit(f.Limit), f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM blood_requests`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests := []model.BloodRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

// TransitionRequest conditionally moves a request to the target status.
func (s *sqlStore) TransitionRequest(ctx context.Context, id string, to model.RequestStatus, actedBy string, at time.Time) (*model.BloodRequest, error) {
	sources := model.TransitionSources(to)
	if len(sources) == 0 {
		return nil, fmt.Errorf("no transition into %s: %w", to, ErrConflict)
	}

	var out *model.BloodRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := []interface{}{string(to), actedBy, s.dialect.timeArg(at), id}
		for _, src := range sources {
			args = append(args, string(src))
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE blood_requests SET status = ?, acted_by = ?, updated_at = ?
			 WHERE id = ? AND status IN (`+placeholders(len(sources))+`)`,
			args...)
		if err != nil {
			return fmt.Errorf("failed to update request status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		current, err := s.getRequest(ctx, tx, id, "")
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request %s is %s: %w", id, current.Status, ErrConflict)
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAllocations returns the allocation rows of one request.
func (s *sqlStore) ListAllocations(ctx context.Context, requestID string) ([]model.Allocation, error) {
	return s.listAllocations(ctx, s.db, requestID)
}

func (s *sqlStore) listAllocations(ctx context.Context, q queryer, requestID string) ([]model.Allocation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+allocationColumns+` FROM allocations WHERE request_id = ? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	allocations := []model.Allocation{}
	for rows.Next() {
		var a model.Allocation
		var at dbTime
		if err := rows.Scan(&a.ID, &a.RequestID, &a.InventoryID, &a.AllocatedBy, &at); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.AllocatedAt = at.Time
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// CommitAllocation fulfills a request and claims its units in one transaction.
func (s *sqlStore) CommitAllocation(ctx context.Context, in CommitInput) (*CommitResult, error) {
	unitIDs := dedupe(in.UnitIDs)
	var result *CommitResult

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		req, err := s.getRequest(ctx, tx, in.RequestID, s.dialect.forUpdate)
		if err != nil {
			return err
		}

		if req.Status == model.RequestFulfilled && in.IdempotencyKey != "" && req.FulfillmentKey == in.IdempotencyKey {
			allocations, err := s.listAllocations(ctx, tx, req.ID)
			if err != nil {
				return err
			}
			result = &CommitResult{Request: req, Allocations: allocations, Replayed: true}
			return nil
		}
		if !model.CanTransition(req.Status, model.RequestFulfilled) {
			return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, ErrConflict)
		}

		// 1. request -> fulfilled
		_, err = tx.ExecContext(ctx, `
			UPDATE blood_requests SET status = ?, acted_by = ?, fulfillment_key = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			string(model.RequestFulfilled), in.ActedBy, in.IdempotencyKey, s.dialect.timeArg(in.At),
			req.ID, string(model.RequestPending), string(model.RequestApproved))
		if err != nil {
			return fmt.Errorf("failed to fulfill request: %w", err)
		}

		// 2. units available -> fulfilled, only if still claimable
		if len(unitIDs) > 0 {
			args := []interface{}{string(model.UnitFulfilled)}
			for _, id := range unitIDs {
				args = append(args, id)
			}
			args = append(args, string(model.UnitAvailable), string(req.BloodGroup), dateArg(in.Today))
			res, err := tx.ExecContext(ctx, `
				UPDATE inventory SET status = ?
				WHERE id IN (`+placeholders(len(unitIDs))+`) AND status = ? AND blood_group = ? AND expires_on >= ?`,
				args...)
			if err != nil {
				return fmt.Errorf("failed to claim units: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != int64(len(unitIDs)) {
				return fmt.Errorf("claimed %d of %d units: %w", n, len(unitIDs), ErrInsufficientStock)
			}
		}

		// 3. allocation rows
		allocations := make([]model.Allocation, 0, len(unitIDs))
		for _, unitID := range unitIDs {
			a := model.Allocation{
				ID:          uid.NewSortable(),
				RequestID:   req.ID,
				InventoryID: unitID,
				AllocatedBy: in.ActedBy,
				AllocatedAt: in.At,
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO allocations (`+allocationColumns+`) VALUES (?, ?, ?, ?, ?)`,
				a.ID, a.RequestID, a.InventoryID, a.AllocatedBy, s.dialect.timeArg(a.AllocatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert allocation for unit %s: %w", unitID, err)
			}
			allocations = append(allocations, a)
		}

		req.Status = model.RequestFulfilled
		req.ActedBy = in.ActedBy
		req.FulfillmentKey = in.IdempotencyKey
		req.UpdatedAt = in.At
		result = &CommitResult{Request: req, Allocations: allocations}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetStats returns dashboard statistics.
func (s *sqlStore) GetStats(ctx context.Context, today time.Time) (*Stats, error) {
	stats := newStats()
	day := dateArg(today)

	rows, err := s.db.QueryContext(ctx, `
		SELECT blood_group, COUNT(*), COALESCE(SUM(volume_ml), 0)
		FROM inventory WHERE status = ? AND expires_on >= ?
		GROUP BY blood_group`, string(model.UnitAvailable), day)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stock: %w", err)
	}
	for rows.Next() {
		var g string
		var gs GroupStock
		if err := rows.Scan(&g, &gs.Units, &gs.VolumeML); err != nil {
			rows.Close()
			return nil, err
		}
		stats.AvailableByGroup[model.BloodGroup(g)] = gs
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM inventory GROUP BY status`, func(k string, n int64) {
		stats.UnitsByStatus[model.UnitStatus(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM blood_requests GROUP BY status`, func(k string, n int64) {
		stats.RequestsByStatus[model.RequestStatus(k)] = n
	}); err != nil {
		return nil, err
	}

	soon := dateArg(model.Day(today).AddDate(0, 0, ExpiringSoonDays))
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory WHERE status = ? AND expires_on >= ? AND expires_on <= ?`,
		string(model.UnitAvailable), day, soon).Scan(&stats.ExpiringSoon); err != nil {
		return nil, fmt.Errorf("failed to count expiring units: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM allocations`).Scan(&stats.Allocations); err != nil {
		return nil, fmt.Errorf("failed to count allocations: %w", err)
	}

	if s.dialect.backend != nil {
		if backend := s.dialect.backend(ctx, s.db); backend != nil {
			stats.Backend = backend
		}
	}
	stats.Backend["type"] = s.dialect.name
	return stats, nil
}

func (s *sqlStore) countBy(ctx context.Context, query string, fn func(key string, n int64)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to aggregate: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		fn(k, n)
	}
	return rows.Err()
}

// Ping checks connectivity.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

var _ Store = (*sqlStore)(nil)
