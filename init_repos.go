// Package main: repository layer setup.
package main

import (
	"database/sql"

	"github.com/akinalp/livecast/repository"
)

// Repositories holds every repository instance.
type Repositories struct {
	StreamHistory repository.StreamHistoryRepository
}

func initRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		StreamHistory: repository.NewSQLiteStreamHistoryRepo(db),
	}
}
