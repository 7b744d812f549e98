package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store — сырое хранилище документов леджера. Каждый документ
// читается и пишется целиком; (nil, nil) из Load означает
// «документа ещё нет».
type Store interface {
	Load(ctx context.Context, doc Document) ([]byte, error)
	Save(ctx context.Context, doc Document, body []byte) error
}

// MemoryStore держит документы в памяти процесса.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[Document][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[Document][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, doc Document) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.docs[doc]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, doc Document, body []byte) error {
	cp := make([]byte, len(body))
	copy(cp, body)
	s.mu.Lock()
	s.docs[doc] = cp
	s.mu.Unlock()
	return nil
}

// FileStore хранит документы в DATA_DIR/<doc>.json.
// Запись атомарная: временный файл + fsync + rename.
type FileStore struct {
	dir string
}

// NewFileStore создаёт каталог данных, если его нет.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог данных %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Path возвращает путь к файлу документа.
func (s *FileStore) Path(doc Document) string {
	return filepath.Join(s.dir, string(doc)+".json")
}

func (s *FileStore) Load(_ context.Context, doc Document) ([]byte, error) {
	body, err := os.ReadFile(s.Path(doc))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение %s: %w", s.Path(doc), err)
	}
	return body, nil
}

func (s *FileStore) Save(_ context.Context, doc Document, body []byte) error {
	tmp, err := os.CreateTemp(s.dir, string(doc)+".*.tmp")
	if err != nil {
		return fmt.Errorf("создание временного файла: %w", err)
	}
	tmpName := tmp.Name()
	// После успешного rename файла уже нет — Remove вернёт ошибку, это нормально
	defer os.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("запись %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("закрытие %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.Path(doc)); err != nil {
		return fmt.Errorf("rename в %s: %w", s.Path(doc), err)
	}
	return nil
}
