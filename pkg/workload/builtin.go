package workload

import (
	"fmt"
	"sort"
)

// BuiltinPrefix marks a script spec as referring to a builtin script
// rather than a file on disk.
const BuiltinPrefix = "builtin:"

// builtinScripts maps builtin names to their SQL text. The table folder
// placeholder is substituted at load time like for file scripts.
var builtinScripts = map[string]string{
	// The classic TPC-B transaction profile.
	"tpcb": `UPDATE {{TABLES}}.accounts SET abalance = abalance + :delta WHERE aid = :aid;
SELECT abalance FROM {{TABLES}}.accounts WHERE aid = :aid;
UPDATE {{TABLES}}.tellers SET tbalance = tbalance + :delta WHERE tid = :tid;
UPDATE {{TABLES}}.branches SET bbalance = bbalance + :delta WHERE bid = :bid;
INSERT INTO {{TABLES}}.history (tid, bid, aid, delta, mtime) VALUES (:tid, :bid, :aid, :delta, now());`,

	// A read-only account balance lookup.
	"select-only": `SELECT abalance FROM {{TABLES}}.accounts WHERE aid = :aid;`,
}

// Builtin builds one of the builtin scripts. The returned script is
// labeled "<builtin:name>" in reports.
func Builtin(name string, weight float64, tableFolder string) (*Script, error) {
	content, ok := builtinScripts[name]
	if !ok {
		return nil, fmt.Errorf("unknown builtin script %q (available: %v)", name, BuiltinNames())
	}

	return NewScript(fmt.Sprintf("<%s%s>", BuiltinPrefix, name), content, weight, tableFolder)
}

// BuiltinNames returns the sorted names of all builtin scripts.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinScripts))
	for name := range builtinScripts {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
