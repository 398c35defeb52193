package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// IndexFile is the name of the index inside an experiment directory
const IndexFile = "index.db"

// Store lays out an experiment's outputs as
// <root>/<experiment>/<sim>/<package>/step-<n>.json[.ext] with final
// outputs in <root>/<experiment>/<sim>/<name>.json[.ext]
type Store struct {
	dir    string
	codec  Codec
	index  *Index
	logger *utils.Logger

	mu      sync.Mutex
	written int64
}

// NewStore creates the experiment directory and its index
func NewStore(root, experiment string, codec Codec, logger *utils.Logger) (*Store, error) {
	if codec == nil {
		codec = noneCodec{}
	}
	if logger == nil {
		logger = utils.DefaultLogger("persistence")
	}
	dir := filepath.Join(root, experiment)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	index, err := OpenIndex(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("open output index: %w", err)
	}
	return &Store{
		dir:    dir,
		codec:  codec,
		index:  index,
		logger: logger.With(utils.String("experiment", experiment), utils.String("codec", codec.Name())),
	}, nil
}

// Dir is the experiment directory
func (s *Store) Dir() string {
	return s.dir
}

// Index gives access to the metric and step index
func (s *Store) Index() *Index {
	return s.index
}

// BytesWritten counts the compressed bytes written so far
func (s *Store) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Store) simDir(simID foundation.SimulationID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d", uint32(simID)))
}

func (s *Store) stepPath(simID foundation.SimulationID, pkg string, step int) string {
	return filepath.Join(s.simDir(simID), pkg, fmt.Sprintf("step-%06d.json%s", step, s.codec.Ext()))
}

func (s *Store) finalPath(simID foundation.SimulationID, name string) string {
	return filepath.Join(s.simDir(simID), name+".json"+s.codec.Ext())
}

func (s *Store) write(path string, data []byte) (int64, error) {
	compressed, err := s.codec.Compress(data)
	if err != nil {
		return 0, fmt.Errorf("compress %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	s.mu.Lock()
	s.written += int64(len(compressed))
	s.mu.Unlock()
	return int64(len(compressed)), nil
}

func (s *Store) read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.codec.Decompress(data)
}

// WriteStep persists one package's output for a step
func (s *Store) WriteStep(simID foundation.SimulationID, pkg string, step int, data []byte) error {
	path := s.stepPath(simID, pkg, step)
	size, err := s.write(path, data)
	if err != nil {
		return err
	}
	rel, _ := filepath.Rel(s.dir, path)
	return s.index.RecordStep(simID, pkg, step, rel, size)
}

// ReadStep loads what WriteStep stored
func (s *Store) ReadStep(simID foundation.SimulationID, pkg string, step int) ([]byte, error) {
	return s.read(s.stepPath(simID, pkg, step))
}

// WriteFinal persists an end-of-run output
func (s *Store) WriteFinal(simID foundation.SimulationID, name string, data []byte) error {
	size, err := s.write(s.finalPath(simID, name), data)
	if err != nil {
		return err
	}
	s.logger.Debug("final output written", utils.String("sim", simID.String()), utils.String("name", name), utils.Int64("bytes", size))
	return nil
}

// ReadFinal loads what WriteFinal stored
func (s *Store) ReadFinal(simID foundation.SimulationID, name string) ([]byte, error) {
	return s.read(s.finalPath(simID, name))
}

func (s *Store) RecordMetric(simID foundation.SimulationID, metric string, step int, value float64) error {
	return s.index.RecordMetric(simID, metric, step, value)
}

func (s *Store) Close() error {
	return s.index.Close()
}
