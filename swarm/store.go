package swarm

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
)

// partialPrefix names the working directory of an in-flight download inside
// the shared directory.
const partialPrefix = "temp_"

var (
	// ErrUnknownFile is returned for chunk reads of files the store does
	// not hold in any form.
	ErrUnknownFile = errors.New("swarm: unknown file")

	// ErrUnknownChunk is returned for reads of chunks not held locally.
	ErrUnknownChunk = errors.New("swarm: unknown chunk")
)

type completeFile struct {
	path string
	meta models.File
}

type partialFile struct {
	dir  string
	meta models.File
	have map[int]struct{}
}

// Store tracks the contents of the peer's shared directory: complete files
// served from disk and partial downloads staged chunk-by-chunk under
// temp_<hash> directories.
type Store struct {
	dir string

	mu       sync.RWMutex
	complete map[models.Hash]completeFile
	partials map[models.Hash]*partialFile
}

// NewStore opens the shared directory, creating it if needed, and indexes
// whatever it already holds.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "swarm: create shared dir")
	}

	s := &Store{
		dir:      dir,
		complete: make(map[models.Hash]completeFile),
		partials: make(map[models.Hash]*partialFile),
	}
	if err := s.Scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Scan re-indexes the shared directory: every regular file is digested and
// every temp_<hash> directory is reloaded as a partial download.
func (s *Store) Scan() error {
	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "swarm: read shared dir")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(s.dir, name)

		if entry.IsDir() {
			if strings.HasPrefix(name, partialPrefix) {
				s.loadPartialLocked(path, models.Hash(strings.TrimPrefix(name, partialPrefix)))
			}
			continue
		}

		meta, err := ChunkFile(path)
		if err != nil {
			log.Warn("swarm: skipping unreadable file", log.Err(err), log.Fields{"path": path})
			continue
		}
		s.complete[meta.Hash] = completeFile{path: path, meta: meta}
	}
	return nil
}

// loadPartialLocked restores a partial download from its staging directory.
// Chunk metadata is unknown until the next download resumes it; the held
// indices are recovered from the chunk file names.
func (s *Store) loadPartialLocked(dir string, h models.Hash) {
	if !h.Valid() {
		return
	}

	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		log.Warn("swarm: skipping unreadable partial", log.Err(err), log.Fields{"dir": dir})
		return
	}

	p := &partialFile{dir: dir, have: make(map[int]struct{})}
	for _, entry := range entries {
		idx, ok := chunkIndex(entry.Name())
		if !ok {
			continue
		}
		p.have[idx] = struct{}{}
	}
	s.partials[h] = p
}

func chunkIndex(name string) (int, bool) {
	const suffix = ".chunk"
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(name, suffix))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// Hashes returns every hash the peer can serve at least one chunk of,
// complete files first. This is the association list sent with heartbeats.
func (s *Store) Hashes() []models.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashes := make([]models.Hash, 0, len(s.complete)+len(s.partials))
	for h := range s.complete {
		hashes = append(hashes, h)
	}
	for h := range s.partials {
		if len(s.partials[h].have) > 0 {
			hashes = append(hashes, h)
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// Partials returns the hashes of every partial download with at least one
// staged chunk.
func (s *Store) Partials() []models.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashes := make([]models.Hash, 0, len(s.partials))
	for h, p := range s.partials {
		if len(p.have) > 0 {
			hashes = append(hashes, h)
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// Files returns the metadata of every complete file held.
func (s *Store) Files() []models.File {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]models.File, 0, len(s.complete))
	for _, c := range s.complete {
		files = append(files, c.meta)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// HaveChunks returns the sorted chunk indices held for a file, in any form.
func (s *Store) HaveChunks(h models.Hash) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.complete[h]; ok {
		n := models.NumChunks(c.meta.Size)
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices, nil
	}

	if p, ok := s.partials[h]; ok {
		indices := make([]int, 0, len(p.have))
		for i := range p.have {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		return indices, nil
	}

	return nil, ErrUnknownFile
}

// ReadChunk returns the bytes of chunk i of file h, from the complete file
// or the staging directory.
func (s *Store) ReadChunk(h models.Hash, i int) ([]byte, error) {
	s.mu.RLock()
	c, haveComplete := s.complete[h]
	p, havePartial := s.partials[h]
	s.mu.RUnlock()

	if haveComplete {
		if i < 0 || i >= models.NumChunks(c.meta.Size) {
			return nil, ErrUnknownChunk
		}

		fh, err := os.Open(c.path)
		if err != nil {
			return nil, errors.Wrap(err, "swarm: open")
		}
		defer fh.Close()

		buf := make([]byte, models.ChunkLen(c.meta.Size, i))
		if _, err := fh.ReadAt(buf, int64(i)*models.ChunkSize); err != nil {
			return nil, errors.Wrap(err, "swarm: read chunk")
		}
		return buf, nil
	}

	if havePartial {
		if _, ok := p.have[i]; !ok {
			return nil, ErrUnknownChunk
		}
		b, err := ioutil.ReadFile(filepath.Join(p.dir, chunkName(i)))
		return b, errors.Wrap(err, "swarm: read staged chunk")
	}

	return nil, ErrUnknownFile
}

func chunkName(i int) string { return strconv.Itoa(i) + ".chunk" }

// StartPartial creates or resumes the staging directory of a download and
// records its metadata. It returns the chunk indices already staged.
func (s *Store) StartPartial(meta models.File) ([]int, error) {
	dir := filepath.Join(s.dir, partialPrefix+string(meta.Hash))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "swarm: create staging dir")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partials[meta.Hash]
	if !ok {
		p = &partialFile{dir: dir, have: make(map[int]struct{})}
		s.partials[meta.Hash] = p
	}
	p.meta = meta

	indices := make([]int, 0, len(p.have))
	for i := range p.have {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices, nil
}

// WriteChunk stages chunk i of an in-flight download and reports whether it
// was the first chunk staged for the file.
func (s *Store) WriteChunk(h models.Hash, i int, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partials[h]
	if !ok {
		return false, ErrUnknownFile
	}

	if err := ioutil.WriteFile(filepath.Join(p.dir, chunkName(i)), data, 0o644); err != nil {
		return false, errors.Wrap(err, "swarm: stage chunk")
	}

	first := len(p.have) == 0
	p.have[i] = struct{}{}
	return first, nil
}

// Commit assembles a fully staged download into its final file, verifies the
// whole-file digest and removes the staging directory. The staged chunks are
// re-verified against the metadata as they are concatenated.
func (s *Store) Commit(h models.Hash) (models.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partials[h]
	if !ok {
		return models.File{}, ErrUnknownFile
	}
	n := models.NumChunks(p.meta.Size)
	if len(p.have) < n {
		return models.File{}, errors.Errorf("swarm: commit of incomplete download: %d/%d chunks", len(p.have), n)
	}

	finalPath := filepath.Join(s.dir, p.meta.Name)
	tmpPath := finalPath + ".part"

	out, err := os.Create(tmpPath)
	if err != nil {
		return models.File{}, errors.Wrap(err, "swarm: create output")
	}

	for i := 0; i < n; i++ {
		b, err := ioutil.ReadFile(filepath.Join(p.dir, chunkName(i)))
		if err != nil {
			out.Close()
			os.Remove(tmpPath)
			return models.File{}, errors.Wrap(err, "swarm: read staged chunk")
		}
		if i < len(p.meta.ChunkHashes) && models.HashBytes(b) != p.meta.ChunkHashes[i] {
			out.Close()
			os.Remove(tmpPath)
			return models.File{}, errors.Errorf("swarm: staged chunk %d fails verification", i)
		}
		if _, err := out.Write(b); err != nil {
			out.Close()
			os.Remove(tmpPath)
			return models.File{}, errors.Wrap(err, "swarm: write output")
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return models.File{}, errors.Wrap(err, "swarm: close output")
	}

	assembled, err := ChunkFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return models.File{}, err
	}
	if assembled.Hash != h {
		os.Remove(tmpPath)
		return models.File{}, errors.Errorf("swarm: assembled file fails verification: got %s want %s", assembled.Hash, h)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return models.File{}, errors.Wrap(err, "swarm: commit rename")
	}

	os.RemoveAll(p.dir)
	delete(s.partials, h)

	meta := p.meta
	s.complete[h] = completeFile{path: finalPath, meta: meta}

	log.Info("swarm: download committed", log.Fields{"file": h, "name": meta.Name, "size": meta.Size})
	return meta, nil
}

// Abort discards a partial download and its staging directory.
func (s *Store) Abort(h models.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partials[h]
	if !ok {
		return
	}
	os.RemoveAll(p.dir)
	delete(s.partials, h)
}

// Has reports whether the store holds the complete file.
func (s *Store) Has(h models.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.complete[h]
	return ok
}
