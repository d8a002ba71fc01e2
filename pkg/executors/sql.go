package executors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/task"
)

// SQL statement modes
const (
	SQLModeQuery = "query"
	SQLModeExec  = "exec"
)

// SQLExecutor runs one statement on the pooled database handle of the node's
// target.
//
// Config: database (names the target), query (required), args (list of
// positional arguments) and mode ("query" returns rows, "exec" returns the
// affected row count).
type SQLExecutor struct{}

// NewSQLExecutor creates the sql executor
func NewSQLExecutor() *SQLExecutor {
	return &SQLExecutor{}
}

// Execute implements task.Executor
func (e *SQLExecutor) Execute(ctx context.Context, _ map[string]interface{}, ec *task.ExecContext) (interface{}, error) {
	if ec == nil || ec.Conn == nil || ec.Conn.DB() == nil {
		return nil, configError("sql executor needs a database connection")
	}
	query, err := requiredString(ec.Config, "query")
	if err != nil {
		return nil, err
	}
	mode, err := stringOption(ec.Config, "mode")
	if err != nil {
		return nil, err
	}
	args, err := sqlArgs(ec.Config["args"])
	if err != nil {
		return nil, err
	}

	db := ec.Conn.DB()
	switch mode {
	case "", SQLModeQuery:
		rows, err := queryRows(ctx, db, query, args)
		if err != nil {
			return nil, classifySQLError(err)
		}
		return map[string]interface{}{"rows": rows, "row_count": len(rows)}, nil
	case SQLModeExec:
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, classifySQLError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, classifySQLError(err)
		}
		return map[string]interface{}{"rows_affected": affected}, nil
	default:
		return nil, configError("unknown sql mode %q", mode)
	}
}

func sqlArgs(raw interface{}) ([]interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	args, ok := raw.([]interface{})
	if !ok {
		return nil, configError("config \"args\" must be a list, got %T", raw)
	}
	return args, nil
}

func queryRows(ctx context.Context, db *sql.DB, query string, args []interface{}) ([]map[string]interface{}, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			case time.Time:
				row[col] = v.UTC().Format(time.RFC3339Nano)
			default:
				row[col] = v
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// classifySQLError maps postgres SQLSTATE codes onto retry semantics. Data
// exceptions (22), integrity violations (23) and syntax or access errors (42)
// are permanent. Everything else, serialization failures and shutdowns
// included, stays retryable.
func classifySQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return talerrors.New(talerrors.KindExecutorError, "sql statement failed", err)
	}

	msg := fmt.Sprintf("sql statement failed with %s", pqErr.Code)
	switch pqErr.Code.Class() {
	case "22", "23", "42":
		return talerrors.Permanent(talerrors.New(talerrors.KindExecutorError, msg, err))
	}
	return talerrors.New(talerrors.KindExecutorError, msg, err)
}
