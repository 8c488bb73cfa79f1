package lua

import (
	"database/sql"

	lua "github.com/yuin/gopher-lua"
)

// dbTable wraps a database handle:
//
//	db:query(sql, ...)      -> rows affected
//	db:select(sql, ...)     -> array of row tables
//	db:select_one(sql, ...) -> row table or nil
//
// Queries run on the executor.
func (r *Runtime) dbTable(db *sql.DB) *lua.LTable {
	L := r.State
	tbl := L.NewTable()

	args := func(L *lua.LState) []any {
		var out []any
		for i := 3; i <= L.GetTop(); i++ {
			out = append(out, LuaToGo(L.Get(i)))
		}
		return out
	}

	L.SetField(tbl, "query", L.NewFunction(func(L *lua.LState) int {
		res, err := db.Exec(L.CheckString(2), args(L)...)
		if err != nil {
			L.RaiseError("query: %v", err)
			return 0
		}
		n, _ := res.RowsAffected()
		L.Push(lua.LNumber(n))
		return 1
	}))
	L.SetField(tbl, "select", L.NewFunction(func(L *lua.LState) int {
		rows, err := selectRows(db, L.CheckString(2), args(L), 0)
		if err != nil {
			L.RaiseError("select: %v", err)
			return 0
		}
		list := L.NewTable()
		for _, row := range rows {
			list.Append(r.GoToLua(row))
		}
		L.Push(list)
		return 1
	}))
	L.SetField(tbl, "select_one", L.NewFunction(func(L *lua.LState) int {
		rows, err := selectRows(db, L.CheckString(2), args(L), 1)
		if err != nil {
			L.RaiseError("select_one: %v", err)
			return 0
		}
		if len(rows) == 0 {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(r.GoToLua(rows[0]))
		return 1
	}))
	return tbl
}

// selectRows runs a query and returns up to limit rows (0 for all) keyed by column name.
func selectRows(db *sql.DB, query string, args []any, limit int) ([]map[string]any, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}
