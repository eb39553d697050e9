package consts

// Name of the state table/collection in the mongo and clickhouse position stores.
const StateTableName = "binlog_sync_state"

// Append only position table of the mysql position store.
const ChangelogTableName = "binlog_changelog"

const SqlitePositionsTableName = "binlog_positions"

const MetricsNamespace = "tomongo"
