// Package all registers every storage backend with the storage factory.
package all

import (
	_ "unnest/internal/storage/mssql"
	_ "unnest/internal/storage/postgres"
	_ "unnest/internal/storage/sqlite"
)
