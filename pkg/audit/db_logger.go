package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrEventNotFound is returned by Get for unknown ids
var ErrEventNotFound = errors.New("audit event not found")

// DBLogger writes audit events to the audit_logs table
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger. The schema comes from storage.Migrate.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log inserts event and sets its ID
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var changes sql.NullString
	if event.Changes != nil {
		data, err := json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
		changes = sql.NullString{String: string(data), Valid: true}
	}

	err := l.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (
			timestamp, action, status, tenant_id, user_id,
			model_name, object_id, changes,
			request_id, ip_address, user_agent, message
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12
		) RETURNING id
	`,
		event.Timestamp.UTC(), string(event.Action), string(event.Status), nullUUID(event.TenantID), nullUUID(event.UserID),
		event.ModelName, event.ObjectID, changes,
		event.RequestID, event.IPAddress, event.UserAgent, event.Message,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

const eventColumns = `id, timestamp, action, status, tenant_id, user_id, model_name, object_id, changes, request_id, ip_address, user_agent, message`

// Search returns events matching filter, newest first
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_logs WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StartTime != nil {
		query += " AND timestamp >= " + arg(filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= " + arg(filter.EndTime.UTC())
	}
	if filter.TenantID != nil {
		query += " AND tenant_id = " + arg(*filter.TenantID)
	}
	if filter.UserID != nil {
		query += " AND user_id = " + arg(*filter.UserID)
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = arg(string(a))
		}
		query += " AND action IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.Status != "" {
		query += " AND status = " + arg(string(filter.Status))
	}
	if filter.ModelName != "" {
		query += " AND model_name = " + arg(filter.ModelName)
	}
	if filter.ObjectID != "" {
		query += " AND object_id = " + arg(filter.ObjectID)
	}

	query += " ORDER BY id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	return events, nil
}

// Get retrieves one event by id
func (l *DBLogger) Get(ctx context.Context, id int64) (*Event, error) {
	event, err := scanEvent(l.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_logs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return event, err
}

// Export searches and encodes the result in format
func (l *DBLogger) Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error) {
	events, err := l.Search(ctx, filter)
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportFormatJSON, "":
		return exportJSON(events)
	case ExportFormatNDJSON:
		return exportNDJSON(events)
	case ExportFormatCSV:
		return exportCSV(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func scanEvent(row interface{ Scan(...interface{}) error }) (*Event, error) {
	var event Event
	var action, status string
	var tenantID, userID uuid.NullUUID
	var changes sql.NullString

	err := row.Scan(
		&event.ID, &event.Timestamp, &action, &status, &tenantID, &userID,
		&event.ModelName, &event.ObjectID, &changes,
		&event.RequestID, &event.IPAddress, &event.UserAgent, &event.Message,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	event.Action = Action(action)
	event.Status = Status(status)
	if tenantID.Valid {
		id := tenantID.UUID
		event.TenantID = &id
	}
	if userID.Valid {
		id := userID.UUID
		event.UserID = &id
	}
	if changes.Valid && changes.String != "" {
		if err := json.Unmarshal([]byte(changes.String), &event.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}
	return &event, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
