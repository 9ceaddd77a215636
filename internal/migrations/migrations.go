// Package migrations holds the versioned schema files for the SQLite and
// BigQuery backends and the logic shared by their appliers.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sqlite/*.sql bigquery/*.sql
var files embed.FS

// Directories inside the embedded tree.
const (
	DirSQLite   = "sqlite"
	DirBigQuery = "bigquery"
)

// Placeholders replaced in BigQuery migration files.
const (
	PlaceholderProject = "{{PROJECT_ID}}"
	PlaceholderDataset = "{{DATASET_ID}}"
)

// Migration represents a single migration file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// Applied is a migration recorded in schema_migrations.
type Applied struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Files returns the embedded migration tree.
func Files() fs.FS {
	return files
}

var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// ParseFilename splits "0001_name.sql" into version and name.
func ParseFilename(filename string) (int, string, bool) {
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return version, m[2], true
}

// Checksum is the sha256 of the file content before placeholder replacement,
// so the same migration applied to another dataset keeps its checksum.
func Checksum(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// Load reads every migration in dir, applies replacements and sorts by version.
// Files not matching the naming pattern are skipped and returned separately.
func Load(fsys fs.FS, dir string, replacements map[string]string) ([]Migration, []string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("Load: reading migrations directory %s: %w", dir, err)
	}

	var (
		out     []Migration
		skipped []string
		seen    = map[int]string{}
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := ParseFilename(entry.Name())
		if !ok {
			skipped = append(skipped, entry.Name())
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, nil, fmt.Errorf("Load: duplicate migration version %04d in %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("Load: reading file %s: %w", entry.Name(), err)
		}

		sql := string(content)
		for placeholder, value := range replacements {
			sql = strings.ReplaceAll(sql, placeholder, value)
		}

		out = append(out, Migration{
			Version:  version,
			Name:     name,
			Filename: entry.Name(),
			SQL:      sql,
			Checksum: Checksum(content),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, skipped, nil
}

// Pending returns the migrations not yet applied, plus the versions whose
// recorded checksum differs from the file on disk.
func Pending(all []Migration, applied []Applied) (pending []Migration, changed []int) {
	done := make(map[int]Applied, len(applied))
	for _, a := range applied {
		done[a.Version] = a
	}
	for _, m := range all {
		a, ok := done[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if a.Checksum != "" && a.Checksum != m.Checksum {
			changed = append(changed, m.Version)
		}
	}
	return pending, changed
}

// Statements splits a migration into individual statements on semicolons at
// line ends. Migration files keep one statement per terminated block.
func Statements(sql string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(cur.String()); stmt != ";" {
				out = append(out, stmt)
			}
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
