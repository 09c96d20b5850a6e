package refstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/teams-agents/internal/teams/model"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version       int                                    `json:"version"`
	Conversations map[string]model.ConversationReference `json:"conversations,omitempty"`
	// References is the key used by older builds of the channel.
	References map[string]model.ConversationReference `json:"references,omitempty"`
}

// FileBackend stores references in one JSON document. Every write re-reads
// the file first, so concurrent writers lose at most their own entry.
type FileBackend struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

func NewFileBackend(path string, log zerolog.Logger) *FileBackend {
	return &FileBackend{path: path, log: log}
}

func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) LoadAll(ctx context.Context) ([]model.ConversationReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := f.readLocked()
	out := make([]model.ConversationReference, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref)
	}
	return out, nil
}

func (f *FileBackend) Put(ctx context.Context, ref model.ConversationReference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := f.readLocked()
	refs[ref.ConversationID] = ref
	return f.writeLocked(refs)
}

func (f *FileBackend) Delete(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := f.readLocked()
	if _, ok := refs[conversationID]; !ok {
		return nil
	}
	delete(refs, conversationID)
	return f.writeLocked(refs)
}

func (f *FileBackend) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(map[string]model.ConversationReference{})
}

// readLocked never fails: a missing, corrupt or foreign-version file is an
// empty store so that startup is not blocked.
func (f *FileBackend) readLocked() map[string]model.ConversationReference {
	refs := map[string]model.ConversationReference{}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.log.Warn().Err(err).Str("path", f.path).Msg("Failed to read conversation store, treating as empty")
		}
		return refs
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		f.log.Warn().Err(err).Str("path", f.path).Msg("Failed to parse conversation store, treating as empty")
		return refs
	}
	if doc.Version != fileFormatVersion {
		f.log.Warn().Int("version", doc.Version).Str("path", f.path).Msg("Unsupported conversation store version, treating as empty")
		return refs
	}
	for id, ref := range doc.References {
		refs[id] = ref
	}
	for id, ref := range doc.Conversations {
		refs[id] = ref
	}
	for id, ref := range refs {
		if ref.ConversationID == "" {
			ref.ConversationID = id
			refs[id] = ref
		}
	}
	return refs
}

func (f *FileBackend) writeLocked(refs map[string]model.ConversationReference) error {
	data, err := json.MarshalIndent(fileDocument{
		Version:       fileFormatVersion,
		Conversations: refs,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	return writeFileAtomic(f.path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-conversations-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
