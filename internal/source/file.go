package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hydroconsumer/internal/model"
)

// Record is one line of a JSONL event file, as written by genevents.
type Record struct {
	Partition int             `json:"partition"`
	Offset    int64           `json:"offset"`
	Timestamp time.Time       `json:"timestamp"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// File replays a JSONL file. Commits are tracked in memory only.
type File struct {
	f  *os.File
	sc *bufio.Scanner

	mu        sync.Mutex
	committed map[int]int64
}

func OpenFile(path string) (*File, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &File{f: f, sc: sc, committed: make(map[int]int64)}, nil
}

func (s *File) Fetch(ctx context.Context) (model.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.Message{}, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return model.Message{}, fmt.Errorf("read events file: %w", err)
			}
			return model.Message{}, ErrClosed
		}
		line := s.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			// keep the raw line so the consumer reports it as a decode error
			return model.Message{Payload: append([]byte(nil), line...)}, nil
		}
		return model.Message{
			Key:       []byte(r.Key),
			Payload:   []byte(r.Payload),
			Partition: r.Partition,
			Offset:    r.Offset,
			Timestamp: r.Timestamp,
		}, nil
	}
}

func (s *File) Commit(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.committed[msg.Partition]; !ok || msg.Offset > cur {
		s.committed[msg.Partition] = msg.Offset
	}
	return nil
}

// Committed returns the highest committed offset per partition.
func (s *File) Committed() map[int]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int64, len(s.committed))
	for p, o := range s.committed {
		out[p] = o
	}
	return out
}

func (s *File) Close() error { return s.f.Close() }
