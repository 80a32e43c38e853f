package store

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// dumpTables lists the tables exported/restored, in FK-safe order: a
// session must exist before any batch that references it, a batch before
// any activity, then observations (they only soft-reference a batch) and
// collection_meta.
var dumpTables = []string{"sessions", "prompt_batches", "activities", "observations", "collection_meta"}

const dumpHeaderPrefix = "-- oakd-dump v1 machine="

// ExportDump writes a portable SQL text dump of the tables in scope,
// scoped by machineID in the header line (§4.1 export/restore, §6
// backup/restore, §8 "byte-equivalent content" round-trip law).
func ExportDump(ctx context.Context, db *sql.DB, w io.Writer, machineID string) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s%s generated_at=%s\n", dumpHeaderPrefix, machineID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	for _, table := range dumpTables {
		if err := dumpTable(ctx, db, bw, table); err != nil {
			return fmt.Errorf("dump table %s: %w", table, err)
		}
	}
	return bw.Flush()
}

func dumpTable(ctx context.Context, db *sql.DB, w *bufio.Writer, table string) error {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+table) //nolint:gosec // G202: table is from the fixed dumpTables allowlist, never user input
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	placeholders := strings.Repeat("?,", len(cols))
	placeholders = strings.TrimSuffix(placeholders, ",")

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		literals := make([]string, len(cols))
		for i, v := range vals {
			literals[i] = sqlLiteral(v)
		}
		if _, err := fmt.Fprintf(w, "INSERT INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(cols, ","), strings.Join(literals, ",")); err != nil {
			return err
		}
	}
	return rows.Err()
}

// sqlLiteral renders a scanned value as a SQL literal safe for dump output.
// RestoreDump executes each dumped INSERT line verbatim, so this quoting
// (single quotes doubled inside text) is what keeps NULL, integers, floats,
// and quoted text/blobs unambiguous on the way back in.
func sqlLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []byte:
		return "'" + strings.ReplaceAll(string(t), "'", "''") + "'"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		if t {
			return "1"
		}
		return "0"
	case time.Time:
		return "'" + t.UTC().Format(time.RFC3339Nano) + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", t), "'", "''") + "'"
	}
}

// RestoreDump replays a dump produced by ExportDump inside one transaction
// (§4.1 "restore from dump with machine-id scoping"). The tables are
// truncated first so restore is idempotent regardless of prior state.
func RestoreDump(ctx context.Context, db *sql.DB, r io.Reader) error {
	return Transact(ctx, db, func(tx *sql.Tx) error {
		for i := len(dumpTables) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+dumpTables[i]); err != nil { //nolint:gosec // G202: allowlisted table name
				return fmt.Errorf("truncate %s: %w", dumpTables[i], err)
			}
		}

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "--") {
				continue
			}
			if !strings.HasPrefix(line, "INSERT INTO") {
				return fmt.Errorf("unrecognized dump line: %q", line)
			}
			if _, err := tx.ExecContext(ctx, line); err != nil {
				return fmt.Errorf("replay statement: %w", err)
			}
		}
		return scanner.Err()
	})
}

// ReadDumpMachineID extracts the machine id recorded in a dump's header
// line without replaying the dump, so callers can reject a restore scoped
// to a different machine before touching any table.
func ReadDumpMachineID(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("empty dump")
	}
	line := scanner.Text()
	if !strings.HasPrefix(line, dumpHeaderPrefix) {
		return "", fmt.Errorf("not an oakd dump (missing header)")
	}
	rest := strings.TrimPrefix(line, dumpHeaderPrefix)
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", fmt.Errorf("dump header missing machine id")
	}
	return fields[0], nil
}
