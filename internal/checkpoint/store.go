// Package checkpoint persists and restores the guest's linear memories as
// raw flat files, one file per region.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

var (
	ErrIO             = errors.New("checkpoint: io failure")
	ErrRegionTooSmall = errors.New("checkpoint: memory smaller than region")
	ErrUnknownRegion  = errors.New("checkpoint: unknown region")
)

// Region is one fixed-size snapshot slot, bound to the guest memory export
// of the same name.
type Region struct {
	Name string
	Size int
}

// Region table agreed with the guest; not negotiated at runtime.
var (
	Primary = Region{Name: "primary", Size: 64 * 1024}
	Scratch = Region{Name: "scratch", Size: 4 * 1024}
)

// Regions lists every region in snapshot order.
func Regions() []Region {
	return []Region{Primary, Scratch}
}

// MemorySource resolves a live guest memory by export name.
type MemorySource interface {
	Memory(name string) ([]byte, error)
}

// Paths names the snapshot file for each region.
type Paths struct {
	Primary string
	Scratch string
}

// Store reads and writes region files. Files are not locked: at most one
// writer per file pair is assumed.
type Store struct {
	paths Paths
}

func NewStore(paths Paths) *Store {
	return &Store{paths: paths}
}

// Path returns the snapshot file backing r.
func (s *Store) Path(r Region) (string, error) {
	switch r.Name {
	case Primary.Name:
		return s.paths.Primary, nil
	case Scratch.Name:
		return s.paths.Scratch, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRegion, r.Name)
	}
}

// Write truncates r's file and writes exactly r.Size bytes from src.
func (s *Store) Write(r Region, src []byte) error {
	path, err := s.Path(r)
	if err != nil {
		return err
	}
	if len(src) < r.Size {
		return fmt.Errorf("%w: %s has %d bytes, want %d", ErrRegionTooSmall, r.Name, len(src), r.Size)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	if _, err := f.Write(src[:r.Size]); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, path, err)
	}
	return nil
}

// Restore copies up to r.Size bytes from r's file into dst from offset 0 and
// returns the byte count. A missing file leaves dst untouched. A short file
// fills only what it holds; truncated snapshots are not detected.
func (s *Store) Restore(r Region, dst []byte) (int, error) {
	path, err := s.Path(r)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	limit := min(r.Size, len(dst))
	n, err := io.ReadFull(f, dst[:limit])
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}
	return n, nil
}

// Snapshot writes every region from src. Memories are resolved one at a
// time on the calling goroutine, since src may not be safe for concurrent
// use; only the file writes run in parallel. A missing memory writes
// nothing. A failed write leaves the other file as written.
func (s *Store) Snapshot(src MemorySource) error {
	regions := Regions()
	mems := make([][]byte, len(regions))
	for i, r := range regions {
		mem, err := src.Memory(r.Name)
		if err != nil {
			return err
		}
		mems[i] = mem
	}

	var g errgroup.Group
	for i, r := range regions {
		i, r := i, r
		g.Go(func() error {
			return s.Write(r, mems[i])
		})
	}
	return g.Wait()
}

// RestoreAll restores every region into dst in region order. If restored is
// non-nil it is called after each region with the byte count copied.
func (s *Store) RestoreAll(dst MemorySource, restored func(r Region, n int)) error {
	for _, r := range Regions() {
		mem, err := dst.Memory(r.Name)
		if err != nil {
			return err
		}
		n, err := s.Restore(r, mem)
		if err != nil {
			return err
		}
		if restored != nil {
			restored(r, n)
		}
	}
	return nil
}

// FileInfo describes one region file on disk.
type FileInfo struct {
	Region  Region
	Path    string
	Present bool
	Size    int64
}

// Inspect reports presence and size of every region file.
func (s *Store) Inspect() ([]FileInfo, error) {
	out := make([]FileInfo, 0, len(Regions()))
	for _, r := range Regions() {
		path, err := s.Path(r)
		if err != nil {
			return nil, err
		}
		info := FileInfo{Region: r, Path: path}
		st, err := os.Stat(path)
		switch {
		case err == nil:
			info.Present = true
			info.Size = st.Size()
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
		}
		out = append(out, info)
	}
	return out, nil
}
