package eventbus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// eventLog is the append-only durable log: one JSON object per line,
// never rewritten in place. Single writer; appends are synced before
// returning so a crash after a successful Publish never loses the event.
type eventLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func openEventLog(path string) (*eventLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &eventLog{file: file, path: path}, nil
}

func (l *eventLog) Append(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(data); err != nil {
		return err
	}
	return l.file.Sync()
}

// Tail returns the last limit events, oldest first, reading backwards in
// fixed-size chunks so repeated polling of a large log stays cheap.
func (l *eventLog) Tail(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	const chunkSize = 64 * 1024
	var lines [][]byte
	var carry []byte
	offset := size

	for offset > 0 && len(lines) <= limit {
		readSize := int64(chunkSize)
		if offset < readSize {
			readSize = offset
		}
		offset -= readSize

		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return nil, err
		}

		buf := append(chunk, carry...)
		parts := bytes.Split(buf, []byte{'\n'})
		// The first part may be a partial line continued in the previous
		// (earlier-in-file) chunk.
		carry = parts[0]
		for i := len(parts) - 1; i >= 1; i-- {
			if len(bytes.TrimSpace(parts[i])) == 0 {
				continue
			}
			lines = append(lines, parts[i])
			if len(lines) > limit {
				break
			}
		}
	}
	if offset == 0 && len(bytes.TrimSpace(carry)) > 0 && len(lines) <= limit {
		lines = append(lines, carry)
	}

	if len(lines) > limit {
		lines = lines[:limit]
	}

	// lines is newest-first; decode into oldest-first order.
	events := make([]*Event, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		var ev Event
		if err := json.Unmarshal(lines[i], &ev); err != nil {
			// A torn final line from a crash mid-append is skipped, not
			// fatal.
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Aggregate scans the whole log once, returning the event total, counts
// by type, and the last event. Used at startup to rebuild stats.
func (l *eventLog) Aggregate() (int64, map[string]int64, *Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byType := make(map[string]int64)

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, byType, nil, nil
		}
		return 0, nil, nil, err
	}
	defer f.Close()

	var total int64
	var last *Event

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		total++
		byType[ev.Type]++
		last = &ev
	}
	if err := scanner.Err(); err != nil {
		return total, byType, last, err
	}
	return total, byType, last, nil
}

func (l *eventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
