package filewriter

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"receiver/types"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS master (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS frames (
	id           INTEGER PRIMARY KEY,
	frame_index  INTEGER NOT NULL,
	frame_number INTEGER NOT NULL,
	packets      INTEGER NOT NULL,
	chunk        INTEGER NOT NULL,
	header       BLOB NOT NULL,
	data         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS frames_by_index ON frames(frame_index);
`

// sqliteWriter stores a whole acquisition of one pipeline in a single
// database. Each FramesPerFile frames form one chunk committed in its own
// transaction; CreateFile starts a chunk.
type sqliteWriter struct {
	opts Options
	path string

	db     *sql.DB
	tx     *sql.Tx
	insert *sql.Stmt
	chunk  uint64
	frames uint64 // frames in the open chunk

	hdr types.DetectorHeader
}

func newSQLiteWriter(opts Options) *sqliteWriter {
	return &sqliteWriter{
		opts: opts,
		path: filepath.Join(opts.Path, fmt.Sprintf("%s_d%d_%d.sqlite", opts.Prefix, opts.DetectorIndex, opts.FileIndex)),
	}
}

func (w *sqliteWriter) Format() types.FileFormat { return types.SQLite }

func (w *sqliteWriter) FileName() string {
	if w.db == nil {
		return ""
	}
	return w.path
}

// open creates the database on first use.
func (w *sqliteWriter) open() error {
	if w.db != nil {
		return nil
	}
	if _, err := os.Stat(w.path); err == nil {
		if !w.opts.Overwrite {
			return fmt.Errorf("%w: %s", ErrFileExists, w.path)
		}
		if err := os.Remove(w.path); err != nil {
			return fmt.Errorf("filewriter: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filewriter: %w", err)
	}

	db, err := sql.Open("sqlite3", w.path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return fmt.Errorf("filewriter: open %s: %w", w.path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("filewriter: schema %s: %w", w.path, err)
	}
	w.db = db
	return nil
}

func (w *sqliteWriter) setMaster(key, value string) error {
	_, err := w.db.Exec(`INSERT OR REPLACE INTO master(key, value) VALUES(?, ?)`, key, value)
	return err
}

// CreateMasterFile stores the attributes as JSON in the master table.
func (w *sqliteWriter) CreateMasterFile(attrs MasterAttributes) error {
	if !w.opts.Master {
		return nil
	}
	if err := w.open(); err != nil {
		return err
	}
	b, err := sonnet.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("filewriter: master: %w", err)
	}
	for _, kv := range [][2]string{
		{"runId", uuid.NewString()},
		{"created", time.Now().UTC().Format(time.RFC3339Nano)},
		{"attributes", string(b)},
	} {
		if err := w.setMaster(kv[0], kv[1]); err != nil {
			return fmt.Errorf("filewriter: master %s: %w", kv[0], err)
		}
	}
	return nil
}

func (w *sqliteWriter) CreateFile(frameIndex uint64) error {
	if err := w.open(); err != nil {
		return err
	}
	if err := w.CloseCurrentFile(); err != nil {
		return err
	}
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("filewriter: begin chunk: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO frames(frame_index, frame_number, packets, chunk, header, data) VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("filewriter: prepare: %w", err)
	}
	w.tx, w.insert = tx, stmt
	w.chunk = frameIndex / uint64(w.opts.FramesPerFile)
	w.frames = 0
	return nil
}

func (w *sqliteWriter) WriteToFile(buf []byte, relativeFrameIndex uint64, packetCount uint32) error {
	if w.tx == nil {
		return ErrNoFile
	}
	if len(buf) < types.ReceiverHeaderSize {
		return fmt.Errorf("filewriter: record of %d bytes has no header", len(buf))
	}
	if w.frames >= uint64(w.opts.FramesPerFile) {
		if err := w.CreateFile(relativeFrameIndex); err != nil {
			return err
		}
	}
	types.DecodeDetectorHeader(buf, &w.hdr)
	_, err := w.insert.Exec(
		int64(relativeFrameIndex),
		int64(w.hdr.FrameNumber),
		packetCount,
		int64(w.chunk),
		buf[:types.ReceiverHeaderSize],
		buf[types.ReceiverHeaderSize:],
	)
	if err != nil {
		return fmt.Errorf("filewriter: insert frame %d: %w", relativeFrameIndex, err)
	}
	w.frames++
	return nil
}

// CloseCurrentFile commits the open chunk.
func (w *sqliteWriter) CloseCurrentFile() error {
	if w.tx == nil {
		return nil
	}
	w.insert.Close()
	err := w.tx.Commit()
	w.tx, w.insert = nil, nil
	if err != nil {
		return fmt.Errorf("filewriter: commit chunk %d: %w", w.chunk, err)
	}
	return nil
}

func (w *sqliteWriter) CloseAllFiles() error {
	err := w.CloseCurrentFile()
	if w.db != nil {
		if cerr := w.db.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("filewriter: close %s: %w", w.path, cerr)
		}
		w.db = nil
	}
	return err
}

// EndOfAcquisition records the frame total in the master table.
func (w *sqliteWriter) EndOfAcquisition(numFrames uint64) error {
	if w.db == nil {
		return nil
	}
	if err := w.CloseCurrentFile(); err != nil {
		return err
	}
	if err := w.setMaster("framesInAcquisition", strconv.FormatUint(numFrames, 10)); err != nil {
		return fmt.Errorf("filewriter: end of acquisition: %w", err)
	}
	return nil
}
