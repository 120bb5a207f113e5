package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/tiff"

	"github.com/bryanchriswhite/AcqBridge/internal/frame"
	"github.com/bryanchriswhite/AcqBridge/internal/logger"
)

const (
	summaryFile  = "summary.json"
	metadataFile = "metadata.jsonl"
)

// Storage writes every frame as a TIFF file under a dataset directory,
// alongside the summary and one JSON line of tags per frame.
type Storage struct {
	location string
	name     string
	dir      string

	mu       sync.Mutex
	meta     *os.File
	enc      *json.Encoder
	count    int
	closed   bool
	finished bool
}

// metadataRecord is one line of metadata.jsonl
type metadataRecord struct {
	Index int            `json:"index"`
	File  string         `json:"file"`
	Tags  frame.Metadata `json:"tags,omitempty"`
}

// NewStorage prepares a dataset <location>/<name>. Nothing is written
// until Initialize, which falls back to the first free <name>_N when that
// directory already exists.
func NewStorage(location, name string) (*Storage, error) {
	if location == "" || name == "" {
		return nil, fmt.Errorf("storage needs a location and a name")
	}
	return &Storage{location: location, name: name}, nil
}

// createDir makes the dataset directory
func (s *Storage) createDir() error {
	if err := os.MkdirAll(s.location, 0755); err != nil {
		return fmt.Errorf("failed to create data location: %w", err)
	}

	dir := filepath.Join(s.location, s.name)
	for i := 1; ; i++ {
		err := os.Mkdir(dir, 0755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create dataset directory: %w", err)
		}
		dir = filepath.Join(s.location, fmt.Sprintf("%s_%d", s.name, i))
	}

	s.dir = dir
	logger.WithComponent("storage").Info().Str("dir", dir).Msg("Dataset directory created")
	return nil
}

// Dir returns the dataset directory, empty before Initialize
func (s *Storage) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Count returns the number of frames written
func (s *Storage) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Finished reports whether the end-of-stream sentinel was received
func (s *Storage) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Initialize creates the dataset directory, writes the summary and opens
// the metadata log
func (s *Storage) Initialize(summary frame.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if s.meta != nil {
		return fmt.Errorf("storage already initialized")
	}

	if err := s.createDir(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, summaryFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	meta, err := os.Create(filepath.Join(s.dir, metadataFile))
	if err != nil {
		return fmt.Errorf("failed to create metadata log: %w", err)
	}
	s.meta = meta
	s.enc = json.NewEncoder(meta)
	return nil
}

// Put writes one frame
func (s *Storage) Put(img frame.TaggedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if img.IsEndOfStream() {
		s.finished = true
		return nil
	}
	if s.meta == nil {
		return fmt.Errorf("storage not initialized")
	}
	if img.Pixels() == nil {
		return fmt.Errorf("frame %d: %w: no pixels", s.count, frame.ErrContractViolation)
	}

	w, h, err := frame.Dimensions(img.Tags())
	if err != nil {
		// untagged frames are stored as a single row
		w, h = img.Pixels().Len(), 1
	}
	pic, err := frame.ToImage(img.Pixels(), w, h)
	if err != nil {
		return fmt.Errorf("frame %d: %w", s.count, err)
	}

	name := fmt.Sprintf("img_%06d.tif", s.count)
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if err := tiff.Encode(f, pic, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	rec := metadataRecord{Index: s.count, File: name, Tags: img.Tags()}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to append metadata: %w", err)
	}

	s.count++
	return nil
}

// Close flushes the metadata log. Calling Close twice is a no-op.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	logger.WithComponent("storage").Info().
		Str("dir", s.dir).
		Int("images", s.count).
		Bool("complete", s.finished).
		Msg("Dataset closed")

	if s.meta == nil {
		return nil
	}
	if err := s.meta.Close(); err != nil {
		return fmt.Errorf("failed to close metadata log: %w", err)
	}
	return nil
}

// Name returns the sink type name
func (s *Storage) Name() string {
	return "TIFF storage"
}
