package waiting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store 等待队列持久化接口
type Store interface {
	Load() ([]Entry, error)
	Save(entries []Entry) error
}

// stateDoc 落盘文档结构
type stateDoc struct {
	Timestamp int64   `json:"timestamp"`
	Waiting   []Entry `json:"waiting"`
}

// FileStore 把等待队列写到固定路径的 JSON 文件，
// 每次变更整体重写，先写临时文件再原子改名。
type FileStore struct {
	path string
}

// NewFileStore 创建文件存储
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load 读取持久化的等待队列。文件缺失按空队列处理。
func (s *FileStore) Load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	return doc.Waiting, nil
}

// Save 整体重写等待队列
func (s *FileStore) Save(entries []Entry) error {
	doc := stateDoc{
		Timestamp: time.Now().UnixMilli(),
		Waiting:   entries,
	}
	if doc.Waiting == nil {
		doc.Waiting = []Entry{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
