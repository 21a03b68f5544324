package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/moonbotlabs/moonbot/pkg/models"
)

// transcripts appends session messages to per-session JSONL files, one
// message object per line. Files are opened lazily in append mode so
// restarts continue an existing transcript.
type transcripts struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*transcriptFile
}

type transcriptFile struct {
	f *os.File
	w *bufio.Writer
}

func newTranscripts(dir string, logger *slog.Logger) *transcripts {
	return &transcripts{
		dir:    dir,
		logger: logger,
		open:   map[string]*transcriptFile{},
	}
}

// append writes one message line. With no directory configured it is a
// no-op.
func (t *transcripts) append(sessionID string, msg models.Message) error {
	if t.dir == "" {
		return nil
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode transcript line: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tf, err := t.fileLocked(sessionID)
	if err != nil {
		return err
	}
	if _, err := tf.w.Write(line); err != nil {
		return err
	}
	if err := tf.w.WriteByte('\n'); err != nil {
		return err
	}
	// Flush per line so a reader sees whole records; no fsync, the OS
	// owns durability.
	return tf.w.Flush()
}

func (t *transcripts) fileLocked(sessionID string) (*transcriptFile, error) {
	if tf, ok := t.open[sessionID]; ok {
		return tf, nil
	}
	if err := os.MkdirAll(t.dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(t.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	tf := &transcriptFile{f: f, w: bufio.NewWriter(f)}
	t.open[sessionID] = tf
	return tf, nil
}

// close flushes and closes every open transcript, returning the first error.
func (t *transcripts) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var first error
	for id, tf := range t.open {
		if err := tf.w.Flush(); err != nil && first == nil {
			first = err
		}
		if err := tf.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(t.open, id)
	}
	return first
}

// ReadTranscript loads a session's transcript from dir, skipping lines that
// do not parse. A missing file yields an empty history.
func ReadTranscript(dir, sessionID string) ([]models.Message, error) {
	path := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, scanner.Err()
}
