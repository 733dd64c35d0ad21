package check

var postgresQueries = map[Element]string{
	Tables: `SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'`,
	Columns: `SELECT table_schema, table_name, column_name, data_type, is_nullable,
			column_default, character_maximum_length, numeric_precision, numeric_scale
		FROM information_schema.columns`,
	Constraints: `SELECT n.nspname, cl.relname, c.conname, pg_get_constraintdef(c.oid)
		FROM pg_constraint c
		JOIN pg_namespace n ON n.oid = c.connamespace
		JOIN pg_class cl ON cl.oid = c.conrelid`,
	Views: `SELECT table_schema, table_name, view_definition
		FROM information_schema.views`,
	Sequences: `SELECT sequence_schema, sequence_name, data_type, start_value, increment, maximum_value, cycle_option
		FROM information_schema.sequences`,
	Indexes: `SELECT schemaname, tablename, indexname, indexdef
		FROM pg_indexes`,
	Triggers: `SELECT event_object_schema, event_object_table, trigger_name, event_manipulation,
			action_timing, action_orientation, action_statement
		FROM information_schema.triggers`,
	Functions: `SELECT n.nspname, p.proname, pg_get_function_identity_arguments(p.oid),
			pg_get_function_result(p.oid), md5(p.prosrc)
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE p.prokind IN ('f', 'p')`,
	Rules: `SELECT schemaname, tablename, rulename, definition
		FROM pg_rules`,
}

// SQLite has a single "main" schema and no sequences, functions or rules.
var sqliteQueries = map[Element]string{
	Tables: `SELECT 'main', name
		FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
	Columns: `SELECT 'main', m.name, p.name, p.type, p."notnull", p.dflt_value, p.pk
		FROM sqlite_master m
		JOIN pragma_table_info(m.name) p
		WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'`,
	Views: `SELECT 'main', name, sql
		FROM sqlite_master
		WHERE type = 'view'`,
	Indexes: `SELECT 'main', tbl_name, name, sql
		FROM sqlite_master
		WHERE type = 'index' AND name NOT LIKE 'sqlite_%'`,
	Triggers: `SELECT 'main', tbl_name, name, sql
		FROM sqlite_master
		WHERE type = 'trigger'`,
}
