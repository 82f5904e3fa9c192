// Package migrations embeds the fact engine's SQL schema so the service and
// migrator binaries ship a single self-contained executable with no
// migrations directory to deploy alongside it.
package migrations

import (
	"embed"
	"regexp"
)

//go:embed *.sql
var files embed.FS

// FS exposes the embedded migration files to golang-migrate's iofs source
// driver.
func FS() embed.FS {
	return files
}

// filenamePattern matches the golang-migrate naming convention this package
// enforces: 0001_name.up.sql / 0001_name.down.sql.
var filenamePattern = regexp.MustCompile(`^(\d{4})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info describes one parsed migration filename.
type Info struct {
	Sequence  string
	Name      string
	Direction string
	Filename  string
}

// List returns parsed Info for every embedded migration file, in filename
// order. Files not matching the naming convention are skipped rather than
// rejected: the embed directive already constrains what ships in the
// binary, so strict validation matters far less here than it did in the
// directory-scanning version of this tool.
func List() ([]Info, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(entries))

	for _, entry := range entries {
		match := filenamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}

		infos = append(infos, Info{
			Sequence:  match[1],
			Name:      match[2],
			Direction: match[3],
			Filename:  entry.Name(),
		})
	}

	return infos, nil
}
