// Package test has helpers shared by package tests that need an encrypted database on disk.
package test

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/crypto"
	db "github.com/meow-io/go-portmsg/internal/db"
)

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

// DBCleanup is meant to wrap m.Run in TestMain.
func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("*-wal")
	DeleteAll("*-shm")
	DeleteAll("test-*")
	return c
}

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func NewTestDatabase(c *config.Config) *db.Database {
	id, err := crypto.RandomHex(8)
	if err != nil {
		panic(err)
	}
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%s", id))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(testKey); err != nil {
		panic(err)
	}
	if err := d.Open(testKey); err != nil {
		panic(err)
	}
	return d
}

func Config(prefix string) *config.Config {
	return config.NewConfig(
		config.WithLoggingPrefix(prefix),
		config.WithRootDir(os.TempDir()),
	)
}
