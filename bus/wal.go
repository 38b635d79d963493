package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// walRecord is one line of the write-ahead log: an enqueue carrying the
// full message, or an ack tombstone carrying only the id.
type walRecord struct {
	Op      string   `json:"op"`
	Message *Message `json:"message,omitempty"`
	ID      string   `json:"id,omitempty"`
}

const (
	walOpEnqueue = "enqueue"
	walOpAck     = "ack"
)

// WAL is the append-only durability log for queued messages. A single
// writer appends; compaction rewrites the file with only live messages.
type WAL struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// OpenWAL opens (or creates) the log at path and replays it, returning
// the live messages in their original enqueue order.
func OpenWAL(path string, logger *slog.Logger) (*WAL, []*Message, error) {
	if logger == nil {
		logger = slog.Default()
	}
	live, err := replay(path, logger)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open bus WAL %s: %w", path, err)
	}
	return &WAL{path: path, file: file, logger: logger}, live, nil
}

func replay(path string, logger *slog.Logger) ([]*Message, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bus WAL %s: %w", path, err)
	}
	defer file.Close()

	var order []string
	byID := make(map[string]*Message)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn tail write from a crash; everything before it
			// replayed cleanly.
			logger.Warn("bus WAL record skipped", slog.String("error", err.Error()))
			continue
		}
		switch rec.Op {
		case walOpEnqueue:
			if rec.Message == nil || rec.Message.ID == "" {
				continue
			}
			if _, seen := byID[rec.Message.ID]; !seen {
				order = append(order, rec.Message.ID)
			}
			byID[rec.Message.ID] = rec.Message
		case walOpAck:
			delete(byID, rec.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan bus WAL %s: %w", path, err)
	}

	live := make([]*Message, 0, len(byID))
	for _, id := range order {
		if msg, ok := byID[id]; ok {
			live = append(live, msg)
		}
	}
	return live, nil
}

// AppendEnqueue durably records a queued message.
func (w *WAL) AppendEnqueue(msg *Message) error {
	return w.append(walRecord{Op: walOpEnqueue, Message: msg})
}

// AppendAck durably records a message removal.
func (w *WAL) AppendAck(id string) error {
	return w.append(walRecord{Op: walOpAck, ID: id})
}

func (w *WAL) append(rec walRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode WAL record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("bus WAL is closed")
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("append WAL record: %w", err)
	}
	return nil
}

// Compact rewrites the log with only the given live messages, dropping
// accumulated tombstones. Safe to call at idle; the rewrite is atomic.
func (w *WAL) Compact(live []*Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".bus-wal-*")
	if err != nil {
		return fmt.Errorf("create WAL temp file: %w", err)
	}
	tmpName := tmp.Name()
	writer := bufio.NewWriter(tmp)
	for _, msg := range live {
		data, err := json.Marshal(walRecord{Op: walOpEnqueue, Message: msg})
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("encode WAL record: %w", err)
		}
		data = append(data, '\n')
		if _, err := writer.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write WAL temp file: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flush WAL temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close WAL temp file: %w", err)
	}

	if w.file != nil {
		w.file.Close()
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace bus WAL: %w", err)
	}
	file, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen bus WAL: %w", err)
	}
	w.file = file
	return nil
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
