package tools

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"codeswarm/internal/llm"
)

const sqlRowCap = 200

// DBPool keeps the SQLite handles a worker has opened, keyed by resolved
// path, so execute_sql calls can omit the path after init_database.
type DBPool struct {
	mu       sync.Mutex
	guard    *Guard
	handles  map[string]*sql.DB
	lastPath string
}

// NewDBPool builds an empty pool confined to guard's root.
func NewDBPool(guard *Guard) *DBPool {
	return &DBPool{guard: guard, handles: make(map[string]*sql.DB)}
}

func (p *DBPool) open(path string) (*sql.DB, string, error) {
	resolved, err := p.guard.Resolve(path)
	if err != nil {
		return nil, "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.handles[resolved]; ok {
		p.lastPath = resolved
		return db, resolved, nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, "", err
	}
	db, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, "", err
	}
	p.handles[resolved] = db
	p.lastPath = resolved
	return db, resolved, nil
}

func (p *DBPool) current(path string) (*sql.DB, error) {
	if path != "" {
		db, _, err := p.open(path)
		return db, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPath == "" {
		return nil, fmt.Errorf("no database opened yet; call init_database first")
	}
	return p.handles[p.lastPath], nil
}

// Close releases every handle in the pool.
func (p *DBPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, db := range p.handles {
		_ = db.Close()
	}
	p.handles = make(map[string]*sql.DB)
	p.lastPath = ""
}

type initDatabase struct {
	pool *DBPool
}

// NewInitDatabase returns the init_database tool.
func NewInitDatabase(pool *DBPool) Tool {
	return &initDatabase{pool: pool}
}

func (t *initDatabase) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "init_database",
		Description: "Create or open a SQLite database file inside the project.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Database file path relative to the project root"},
			},
			"required": []string{"path"},
		},
	}
}

func (t *initDatabase) Execute(ctx context.Context, call Call) (*Result, error) {
	path, err := stringArg(call.Args, "path")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	db, resolved, err := t.pool.open(path)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	if err := db.PingContext(ctx); err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	rel := t.pool.guard.Rel(resolved)
	return &Result{
		CallID:   call.ID,
		Content:  "Database ready at " + rel,
		Metadata: map[string]any{MetaArtifact: rel},
	}, nil
}

type executeSQL struct {
	pool *DBPool
}

// NewExecuteSQL returns the execute_sql tool.
func NewExecuteSQL(pool *DBPool) Tool {
	return &executeSQL{pool: pool}
}

func (t *executeSQL) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "execute_sql",
		Description: "Run a SQL statement against a project SQLite database. SELECT returns rows; other statements return the affected row count.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sql":  map[string]any{"type": "string", "description": "SQL statement to execute"},
				"path": map[string]any{"type": "string", "description": "Database path (default: last opened)"},
			},
			"required": []string{"sql"},
		},
	}
}

func (t *executeSQL) Execute(ctx context.Context, call Call) (*Result, error) {
	stmt, err := stringArg(call.Args, "sql")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	db, err := t.pool.current(optionalStringArg(call.Args, "path", ""))
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	if isQuery(stmt) {
		rows, err := db.QueryContext(ctx, stmt)
		if err != nil {
			return &Result{CallID: call.ID, Err: err}, nil
		}
		defer func() { _ = rows.Close() }()
		rendered, err := renderRows(rows)
		if err != nil {
			return &Result{CallID: call.ID, Err: err}, nil
		}
		return &Result{CallID: call.ID, Content: rendered}, nil
	}

	res, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	affected, _ := res.RowsAffected()
	return &Result{CallID: call.ID, Content: fmt.Sprintf("OK, %d row(s) affected", affected)}, nil
}

func isQuery(stmt string) bool {
	head := strings.ToUpper(strings.TrimSpace(stmt))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "PRAGMA") ||
		strings.HasPrefix(head, "WITH") || strings.HasPrefix(head, "EXPLAIN")
}

func renderRows(rows *sql.Rows) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(strings.Join(cols, " | "))
	b.WriteString("\n")

	count := 0
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if count >= sqlRowCap {
			fmt.Fprintf(&b, "... (stopped at %d rows)\n", sqlRowCap)
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		cells := make([]string, len(values))
		for i, v := range values {
			switch val := v.(type) {
			case nil:
				cells[i] = "NULL"
			case []byte:
				cells[i] = string(val)
			default:
				cells[i] = fmt.Sprint(val)
			}
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "(%d row(s))", count)
	return b.String(), nil
}

type listTables struct {
	pool *DBPool
}

// NewListTables returns the list_tables tool.
func NewListTables(pool *DBPool) Tool {
	return &listTables{pool: pool}
}

func (t *listTables) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "list_tables",
		Description: "List the tables of a project SQLite database with their schemas.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Database path (default: last opened)"},
			},
		},
	}
}

func (t *listTables) Execute(ctx context.Context, call Call) (*Result, error) {
	db, err := t.pool.current(optionalStringArg(call.Args, "path", ""))
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	defer func() { _ = rows.Close() }()

	var b strings.Builder
	count := 0
	for rows.Next() {
		var name, schema sql.NullString
		if err := rows.Scan(&name, &schema); err != nil {
			return &Result{CallID: call.ID, Err: err}, nil
		}
		fmt.Fprintf(&b, "%s\n  %s\n", name.String, strings.ReplaceAll(schema.String, "\n", "\n  "))
		count++
	}
	if err := rows.Err(); err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	if count == 0 {
		return &Result{CallID: call.ID, Content: "No tables."}, nil
	}
	return &Result{CallID: call.ID, Content: strings.TrimRight(b.String(), "\n")}, nil
}
