// Copyright (C) 2026 The Skylign Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store keeps FITS data files in a pluggable object backend
// and their metadata in a sqlite index, addressed by integer data file
// IDs the way the processing jobs expect
package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/skylign/skylign/internal/fits"
	"github.com/skylign/skylign/internal/job"
)

// DataFile is one row of the data file index
type DataFile struct {
	ID         int        `json:"id"`
	Name       string     `json:"name"`
	User       string     `json:"user,omitempty"`
	Session    string     `json:"session,omitempty"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Modified   bool       `json:"modified"`
	CreatedOn  time.Time  `json:"created_on"`
	ModifiedOn *time.Time `json:"modified_on,omitempty"`
}

// DataStore is the data file backend jobs and the API run against.
// Objects live in the FileAccess backend under <user>/<id>.fits; the
// index row carries the file name and dimensions
type DataStore struct {
	access  FileAccess
	root    string
	db      *sql.DB
	log     io.Writer
	mu      *sync.Mutex
	user    string
	session string
}

var _ job.Store = (*DataStore)(nil) // this type is a job Store

// Open connects a store to an object backend and its sqlite index.
// indexPath may be ":memory:" for a throwaway index
func Open(access FileAccess, root, indexPath string, logWriter io.Writer) (*DataStore, error) {
	if logWriter == nil {
		logWriter = io.Discard
	}
	db, err := sql.Open("sqlite", indexPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening data file index")
	}
	// a single connection serializes index writes; the index sees
	// little traffic and this avoids SQLITE_BUSY handling
	db.SetMaxOpenConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &DataStore{access: access, root: root, db: db, log: logWriter, mu: &sync.Mutex{}}
	s.sweepTemps()
	return s, nil
}

// OpenLocal opens a store over a local directory, creating it and the
// index file inside it as needed
func OpenLocal(root string, logWriter io.Writer) (*DataStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating data file root %s", root)
	}
	return Open(&FSAccess{}, root, filepath.Join(root, "skylign.db"), logWriter)
}

// OpenMemory opens a store that keeps everything in memory. Tests and
// one-shot CLI runs use it
func OpenMemory(logWriter io.Writer) (*DataStore, error) {
	return Open(NewMemAccess(), "", ":memory:", logWriter)
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS data_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			user TEXT NOT NULL DEFAULT '',
			session TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			modified INTEGER NOT NULL DEFAULT 0,
			created_on TEXT NOT NULL,
			modified_on TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_data_files_user_session ON data_files(user, session);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "creating data file index schema")
		}
	}
	return nil
}

// Interrupted writes can leave uniquely named temp objects behind in
// backends that stage them
func (s *DataStore) sweepTemps() {
	paths, err := s.access.ListObjects(s.root, "")
	if err != nil {
		fmt.Fprintf(s.log, "Warning: cannot scan store for stale temp objects: %v\n", err)
		return
	}
	for _, p := range paths {
		if !strings.Contains(p, ".tmp-") {
			continue
		}
		if err := s.access.DeleteObject(s.root, p); err != nil {
			fmt.Fprintf(s.log, "Warning: cannot remove stale temp object %s: %v\n", p, err)
		}
	}
}

func (s *DataStore) Close() error {
	return s.db.Close()
}

// WithSession returns a view of the store that attributes newly
// created data files to the given user and session. Reads are not
// restricted; access control is not this layer's concern
func (s *DataStore) WithSession(user, session string) *DataStore {
	view := *s
	view.user, view.session = user, session
	return &view
}

// GetRoot returns the storage root for the given user, the shared
// root when user is empty. For object backends this is the key prefix
// rather than a filesystem path
func (s *DataStore) GetRoot(user string) string {
	if user == "" {
		return s.root
	}
	return path.Join(s.root, user)
}

func objectPath(user string, fileID int) string {
	return path.Join(user, fmt.Sprintf("%d.fits", fileID))
}

const dataFileColumns = "id, name, user, session, width, height, modified, created_on, modified_on"

func scanDataFile(scan func(dest ...any) error) (DataFile, error) {
	var df DataFile
	var modified int
	var created string
	var modifiedOn sql.NullString
	err := scan(&df.ID, &df.Name, &df.User, &df.Session, &df.Width, &df.Height,
		&modified, &created, &modifiedOn)
	if err != nil {
		return df, err
	}
	df.Modified = modified != 0
	df.CreatedOn, _ = time.Parse(time.RFC3339Nano, created)
	if modifiedOn.Valid {
		if t, err := time.Parse(time.RFC3339Nano, modifiedOn.String); err == nil {
			df.ModifiedOn = &t
		}
	}
	return df, nil
}

// Get returns the index row for a data file
func (s *DataStore) Get(fileID int) (DataFile, error) {
	row := s.db.QueryRow("SELECT "+dataFileColumns+" FROM data_files WHERE id=?", fileID)
	df, err := scanDataFile(row.Scan)
	if err == sql.ErrNoRows {
		return df, errors.Errorf("Unknown data file %d", fileID)
	}
	if err != nil {
		return df, errors.Wrapf(err, "querying data file %d", fileID)
	}
	return df, nil
}

// List returns the indexed data files for the given user in creation
// order, all files when user is empty
func (s *DataStore) List(user string) ([]DataFile, error) {
	query := "SELECT " + dataFileColumns + " FROM data_files ORDER BY id"
	args := []any{}
	if user != "" {
		query = "SELECT " + dataFileColumns + " FROM data_files WHERE user=? ORDER BY id"
		args = append(args, user)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing data files")
	}
	defer rows.Close()

	var files []DataFile
	for rows.Next() {
		df, err := scanDataFile(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "listing data files")
		}
		files = append(files, df)
	}
	return files, rows.Err()
}

func (s *DataStore) ReadImage(fileID int) (*fits.Image, error) {
	return s.read(fileID, true)
}

// ReadHeader reads only the header blocks of the data file, leaving
// the pixel data unloaded
func (s *DataStore) ReadHeader(fileID int) (*fits.Image, error) {
	return s.read(fileID, false)
}

func (s *DataStore) read(fileID int, readData bool) (*fits.Image, error) {
	df, err := s.Get(fileID)
	if err != nil {
		return nil, err
	}
	r, err := s.access.OpenObject(s.root, objectPath(df.User, fileID))
	if err != nil {
		return nil, errors.Wrapf(err, "opening data file %d", fileID)
	}
	defer r.Close()
	img := fits.NewImage()
	img.ID = fileID
	img.FileName = df.Name
	if err := img.Read(r, readData, s.log); err != nil {
		return nil, errors.Wrapf(err, "reading data file %d", fileID)
	}
	return img, nil
}

// WriteImage overwrites the data file in place and refreshes its
// indexed dimensions and modification state
func (s *DataStore) WriteImage(fileID int, img *fits.Image) error {
	df, err := s.Get(fileID)
	if err != nil {
		return err
	}
	if err := s.writeObject(df.User, fileID, img); err != nil {
		return err
	}
	w, h := imageDims(img)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec("UPDATE data_files SET width=?, height=?, modified=1, modified_on=? WHERE id=?",
		w, h, now, fileID)
	return errors.Wrapf(err, "updating data file %d", fileID)
}

// CreateImage appends a new data file and returns its ID. A blank
// FileName gets an auto generated file_<timestamp>.fits name, made
// unique within the store view's user and session; explicit names are
// kept as given, duplicates included
func (s *DataStore) CreateImage(img *fits.Image) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var name string
	if strings.TrimSpace(img.FileName) == "" {
		base := "file_" + time.Now().UTC().Format("20060102_150405")
		name = base + ".fits"
		for i := 1; s.nameTaken(name); i++ {
			name = fmt.Sprintf("%s_%03d.fits", base, i)
		}
	} else {
		name = filepath.Base(img.FileName)
	}

	w, h := imageDims(img)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(
		"INSERT INTO data_files (name, user, session, width, height, modified, created_on) VALUES (?, ?, ?, ?, ?, 0, ?)",
		name, s.user, s.session, w, h, now)
	if err != nil {
		return 0, errors.Wrap(err, "creating data file")
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "creating data file")
	}
	fileID := int(id64)
	if err := s.writeObject(s.user, fileID, img); err != nil {
		s.db.Exec("DELETE FROM data_files WHERE id=?", fileID)
		return 0, err
	}
	img.ID = fileID
	return fileID, nil
}

func (s *DataStore) nameTaken(name string) bool {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM data_files WHERE user=? AND session=? AND name=?",
		s.user, s.session, name).Scan(&n)
	return err == nil && n > 0
}

// Import reads a FITS file from the local filesystem and adds it to
// the store under its base file name
func (s *DataStore) Import(fileName string) (int, error) {
	img, err := fits.NewImageFromFile(fileName, 0, s.log)
	if err != nil {
		return 0, errors.Wrapf(err, "importing %s", fileName)
	}
	return s.CreateImage(img)
}

func (s *DataStore) writeObject(user string, fileID int, img *fits.Image) error {
	var buf bytes.Buffer
	if err := img.Write(&buf); err != nil {
		return errors.Wrapf(err, "encoding data file %d", fileID)
	}
	if err := s.access.WriteObject(s.root, objectPath(user, fileID), buf.Bytes()); err != nil {
		return errors.Wrapf(err, "saving data file %d", fileID)
	}
	return nil
}

func imageDims(img *fits.Image) (int, int) {
	w, h := 0, 0
	if len(img.Naxisn) > 0 {
		w = int(img.Naxisn[0])
	}
	if len(img.Naxisn) > 1 {
		h = int(img.Naxisn[1])
	}
	return w, h
}
