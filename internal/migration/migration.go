// Package migration describes a single schema step applied by the database migrator.
package migration

import (
	"database/sql"
)

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
