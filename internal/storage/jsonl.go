package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/topeklc/BSC-BuyBot/internal/model"
)

type archivedBuy struct {
	ReceivedAt string `json:"received_at"`
	model.BuyEvent
}

// JsonlArchive appends buy events to a JSONL file.
type JsonlArchive struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewJsonlArchive(path string) *JsonlArchive {
	return &JsonlArchive{path: path, now: time.Now}
}

// PutBuyEvents appends a batch of events as JSON lines.
func (s *JsonlArchive) PutBuyEvents(events []model.BuyEvent) error {
	if len(events) == 0 {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer file.Close()

	receivedAt := s.now().UTC().Format(time.RFC3339Nano)
	writer := bufio.NewWriter(file)
	for _, ev := range events {
		line, err := json.Marshal(archivedBuy{ReceivedAt: receivedAt, BuyEvent: ev})
		if err != nil {
			return fmt.Errorf("marshal buy event: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write buy event: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	return nil
}
