package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStorage persists queue envelopes as one JSON file per message under
// <dir>/<queue>/. Writes go through a temp file and rename so a crash never
// leaves a half-written envelope visible.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the spool layout for the given queues
func NewFileStorage(dir string, queues []string) (*FileStorage, error) {
	for _, queue := range queues {
		for _, sub := range []string{"", "failed"} {
			path := filepath.Join(dir, queue, sub)
			if err := os.MkdirAll(path, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create queue directory %s: %w", path, err)
			}
		}
	}
	return &FileStorage{dir: dir}, nil
}

// Write persists one envelope
func (fs *FileStorage) Write(queue string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	final := fs.messagePath(queue, msg.ID)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write message file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit message file: %w", err)
	}
	return nil
}

// List returns every durable envelope in a queue, oldest first
func (fs *FileStorage) List(queue string) ([]Message, error) {
	entries, err := os.ReadDir(filepath.Join(fs.dir, queue))
	if err != nil {
		return nil, err
	}

	var messages []Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(fs.dir, queue, entry.Name()))
		if err != nil {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Corrupt envelope: leave it for operator inspection
			continue
		}
		messages = append(messages, msg)
	}

	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].EnqueuedAt.Equal(messages[j].EnqueuedAt) {
			return messages[i].EnqueuedAt.Before(messages[j].EnqueuedAt)
		}
		return messages[i].ID < messages[j].ID
	})

	return messages, nil
}

// Delete removes an envelope permanently
func (fs *FileStorage) Delete(queue, id string) error {
	return os.Remove(fs.messagePath(queue, id))
}

// Park moves an envelope into the queue's failed directory
func (fs *FileStorage) Park(queue, id string) error {
	src := fs.messagePath(queue, id)
	dst := filepath.Join(fs.dir, queue, "failed", id+".json")
	return os.Rename(src, dst)
}

func (fs *FileStorage) messagePath(queue, id string) string {
	return filepath.Join(fs.dir, queue, id+".json")
}
