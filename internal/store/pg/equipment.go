package pg

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"calibra.org/internal/equipment"
	"calibra.org/internal/ids"
)

// Equipment implements equipment.Service over Postgres.
type Equipment struct {
	db *sql.DB
}

var _ equipment.Service = (*Equipment)(nil)

const equipmentColumns = `
	id, name, serial_number, manufacturer, model, location, department,
	status, last_calibrated_at, next_calibration_due, notes, created_by,
	created_at, updated_at`

func scanEquipment(row interface{ Scan(...any) error }) (*equipment.Equipment, error) {
	var (
		e            equipment.Equipment
		manufacturer sql.NullString
		model        sql.NullString
		department   sql.NullString
		lastCal      sql.NullTime
		nextDue      sql.NullTime
		notes        sql.NullString
		createdBy    sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Name, &e.SerialNumber, &manufacturer, &model, &e.Location,
		&department, &e.Status, &lastCal, &nextDue, &notes, &createdBy,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Manufacturer = manufacturer.String
	e.Model = model.String
	e.Department = department.String
	e.Notes = notes.String
	e.CreatedBy = createdBy.String
	if lastCal.Valid {
		t := lastCal.Time
		e.LastCalibratedAt = &t
	}
	if nextDue.Valid {
		t := nextDue.Time
		e.NextCalibrationDue = &t
	}
	return &e, nil
}

func (s *Equipment) Create(ctx context.Context, e *equipment.Equipment) (*equipment.Equipment, error) {
	if err := equipment.Validate(e); err != nil {
		return nil, err
	}
	status := e.Status
	if status == "" {
		status = equipment.StatusActive
	}
	row := s.db.QueryRowContext(ctx, `
		insert into equipment
			(id, name, serial_number, manufacturer, model, location, department,
			 status, last_calibrated_at, next_calibration_due, notes, created_by,
			 created_at, updated_at)
		values ($1, $2, $3, nullif($4, ''), nullif($5, ''), $6, nullif($7, ''),
		        $8, $9, $10, nullif($11, ''), nullif($12, ''), now(), now())
		returning `+equipmentColumns, ids.New(), e.Name, strings.TrimSpace(e.SerialNumber),
		e.Manufacturer, e.Model, e.Location, e.Department, status,
		e.LastCalibratedAt, e.NextCalibrationDue, e.Notes, e.CreatedBy)
	created, err := scanEquipment(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, equipment.ErrConflict
		}
		return nil, err
	}
	return created, nil
}

func (s *Equipment) Get(ctx context.Context, id string) (*equipment.Equipment, error) {
	row := s.db.QueryRowContext(ctx, `select `+equipmentColumns+` from equipment where id=$1`, id)
	e, err := scanEquipment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, equipment.ErrNotFound
	}
	return e, err
}

func (s *Equipment) List(ctx context.Context, filter equipment.Filter) ([]*equipment.Equipment, error) {
	where := []string{"true"}
	var args []any
	add := func(expr string, val any) {
		args = append(args, val)
		where = append(where, strings.Replace(expr, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if filter.Status != "" {
		add("status = ?", filter.Status)
	}
	if filter.Department != "" {
		add("department = ?", filter.Department)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		add("(name ilike '%' || ? || '%' or serial_number ilike '%' || ? || '%')", search)
		// second placeholder reuses the same arg index
		where[len(where)-1] = strings.Replace(where[len(where)-1], "?", "$"+strconv.Itoa(len(args)), 1)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	query := `
		select ` + equipmentColumns + `
		from equipment
		where ` + strings.Join(where, " and ") + `
		order by created_at desc
		limit $` + strconv.Itoa(len(args)-1) + ` offset $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*equipment.Equipment
	for rows.Next() {
		e, err := scanEquipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Equipment) Update(ctx context.Context, id string, upd equipment.Update) (*equipment.Equipment, error) {
	if upd.Status != nil && !equipment.ValidStatus(*upd.Status) {
		return nil, equipment.ErrInvalidStatus
	}
	set := []string{"updated_at = now()"}
	args := []any{id}
	add := func(expr string, val any) {
		args = append(args, val)
		set = append(set, strings.Replace(expr, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if upd.Name != nil {
		add("name = ?", *upd.Name)
	}
	if upd.SerialNumber != nil {
		add("serial_number = ?", strings.TrimSpace(*upd.SerialNumber))
	}
	if upd.Manufacturer != nil {
		add("manufacturer = nullif(?, '')", *upd.Manufacturer)
	}
	if upd.Model != nil {
		add("model = nullif(?, '')", *upd.Model)
	}
	if upd.Location != nil {
		add("location = ?", *upd.Location)
	}
	if upd.Department != nil {
		add("department = nullif(?, '')", *upd.Department)
	}
	if upd.Status != nil {
		add("status = ?", *upd.Status)
	}
	if upd.LastCalibratedAt != nil {
		add("last_calibrated_at = ?", *upd.LastCalibratedAt)
	}
	if upd.NextCalibrationDue != nil {
		add("next_calibration_due = ?", *upd.NextCalibrationDue)
	}
	if upd.Notes != nil {
		add("notes = nullif(?, '')", *upd.Notes)
	}

	row := s.db.QueryRowContext(ctx, `
		update equipment set `+strings.Join(set, ", ")+`
		where id = $1
		returning `+equipmentColumns, args...)
	e, err := scanEquipment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, equipment.ErrNotFound
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, equipment.ErrConflict
		}
		return nil, err
	}
	return e, nil
}

func (s *Equipment) Retire(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update equipment set status = $2, updated_at = now() where id = $1
	`, id, equipment.StatusRetired)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return equipment.ErrNotFound
	}
	return nil
}

func (s *Equipment) Metrics(ctx context.Context) (equipment.DashboardMetrics, error) {
	m := equipment.DashboardMetrics{ByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `select status, count(*) from equipment group by status`)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return m, err
		}
		m.ByStatus[status] = count
		m.Total += count
	}
	if err := rows.Err(); err != nil {
		return m, err
	}

	now := time.Now().UTC()
	soon := now.Add(30 * 24 * time.Hour)
	err = s.db.QueryRowContext(ctx, `
		select
			count(*) filter (where next_calibration_due < $1),
			count(*) filter (where next_calibration_due >= $1 and next_calibration_due < $2)
		from equipment
		where status <> $3 and next_calibration_due is not null
	`, now, soon, equipment.StatusRetired).Scan(&m.CalibrationOverdue, &m.CalibrationDueSoon)
	return m, err
}
