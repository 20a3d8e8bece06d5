package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Singlerr/FarPlaneTwo/internal/tile"
)

const (
	fileMagic      = "FP2T"
	fileVersion    = 1
	fileHeaderSize = len(fileMagic) + 1 + 8 + 8
	fileExt        = ".tile"
)

var ErrBadTileFile = errors.New("bad tile file")

// FilesystemStore keeps one file per tile at <root>/<level>/<x>/<z>.tile.
// Files are written to a temp file and renamed into place.
type FilesystemStore struct {
	root   string
	mu     sync.RWMutex
	closed atomic.Bool
}

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tile store dir: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

var _ Store = (*FilesystemStore)(nil)

func (s *FilesystemStore) pathFor(pos tile.Pos) string {
	return filepath.Join(s.root,
		strconv.Itoa(int(pos.Level)),
		strconv.Itoa(int(pos.X)),
		strconv.Itoa(int(pos.Z))+fileExt,
	)
}

func (s *FilesystemStore) Get(_ context.Context, pos tile.Pos) (tile.Record, bool, error) {
	if s.closed.Load() {
		return tile.Record{}, false, ErrClosed
	}

	s.mu.RLock()
	content, err := os.ReadFile(s.pathFor(pos))
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tile.Record{}, false, nil
		}
		return tile.Record{}, false, fmt.Errorf("read tile %s: %w", pos, err)
	}

	rec, err := decodeTileFile(content)
	if err != nil {
		return tile.Record{}, false, fmt.Errorf("read tile %s: %w", pos, err)
	}
	return rec, true, nil
}

func (s *FilesystemStore) Put(_ context.Context, pos tile.Pos, rec tile.Record) error {
	if s.closed.Load() {
		return ErrClosed
	}

	path := s.pathFor(pos)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create tile dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encodeTileFile(rec), 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ListDirty walks the store reading only file headers.
func (s *FilesystemStore) ListDirty(ctx context.Context) ([]tile.Pos, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []tile.Pos
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, fileExt) {
			return nil
		}

		pos, err := s.posFor(path)
		if err != nil {
			return nil
		}

		rec, err := readTileHeader(path)
		if err != nil {
			return fmt.Errorf("read tile %s: %w", pos, err)
		}
		if isDirty(rec) {
			out = append(out, pos)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FilesystemStore) posFor(path string) (tile.Pos, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return tile.Pos{}, err
	}
	parts := strings.Split(filepath.ToSlash(strings.TrimSuffix(rel, fileExt)), "/")
	if len(parts) != 3 {
		return tile.Pos{}, ErrBadTileFile
	}

	var vals [3]int32
	for i, part := range parts {
		v, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return tile.Pos{}, err
		}
		vals[i] = int32(v)
	}
	return tile.Pos{Level: vals[0], X: vals[1], Z: vals[2]}, nil
}

func (s *FilesystemStore) Close() error {
	s.closed.Store(true)
	return nil
}

func encodeTileFile(rec tile.Record) []byte {
	b := make([]byte, 0, fileHeaderSize+len(rec.Payload))
	b = append(b, fileMagic...)
	b = append(b, fileVersion)
	b = binary.BigEndian.AppendUint64(b, uint64(rec.Timestamp))
	b = binary.BigEndian.AppendUint64(b, uint64(rec.DirtyTimestamp))
	return append(b, rec.Payload...)
}

func decodeTileHeader(b []byte) (tile.Record, error) {
	if len(b) < fileHeaderSize || string(b[:len(fileMagic)]) != fileMagic {
		return tile.Record{}, ErrBadTileFile
	}
	if v := b[len(fileMagic)]; v != fileVersion {
		return tile.Record{}, fmt.Errorf("%w: version %d", ErrBadTileFile, v)
	}
	o := b[len(fileMagic)+1:]
	return tile.Record{
		Timestamp:      tile.Timestamp(binary.BigEndian.Uint64(o)),
		DirtyTimestamp: tile.Timestamp(binary.BigEndian.Uint64(o[8:])),
	}, nil
}

func decodeTileFile(b []byte) (tile.Record, error) {
	rec, err := decodeTileHeader(b)
	if err != nil {
		return tile.Record{}, err
	}
	if payload := b[fileHeaderSize:]; len(payload) > 0 {
		rec.Payload = payload
	}
	return rec, nil
}

func readTileHeader(path string) (tile.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return tile.Record{}, err
	}
	defer f.Close()

	var hdr [fileHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return tile.Record{}, fmt.Errorf("%w: %w", ErrBadTileFile, err)
	}
	return decodeTileHeader(hdr[:])
}
