package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"terrainstream/internal/streamer"
)

const filePrefix = "lifecycle"

// Journal appends chunk lifecycle events to hourly JSONL files compressed
// with zstd. Heights are never written, only what happened to each chunk.
type Journal struct {
	dir    string
	logger *logrus.Entry
	now    func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	written uint64
}

func Open(dir string, logger *logrus.Entry) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Journal{dir: dir, logger: logger, now: time.Now}, nil
}

// HandleEvent records ev. Write failures are logged; the streamer never
// waits on the journal beyond the file write itself.
func (j *Journal) HandleEvent(ev streamer.Event) {
	if err := j.Write(ev); err != nil {
		j.logger.WithError(err).Warn("journal write failed")
	}
}

func (j *Journal) Write(ev streamer.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	hour := j.now().UTC().Format("2006-01-02-15")
	if hour != j.curHour {
		if err := j.rotateLocked(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	j.written++
	return j.w.Flush()
}

// Written reports how many events were appended since Open.
func (j *Journal) Written() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.written
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal) rotateLocked(hour string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	f, err := os.OpenFile(j.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f = f
	j.enc = enc
	j.w = bufio.NewWriterSize(enc, 64*1024)
	j.curHour = hour
	return nil
}

func (j *Journal) closeLocked() error {
	var errs []error
	if j.w != nil {
		errs = append(errs, j.w.Flush())
	}
	if j.enc != nil {
		errs = append(errs, j.enc.Close())
		j.enc = nil
	}
	if j.f != nil {
		errs = append(errs, j.f.Close())
		j.f = nil
	}
	j.w = nil
	j.curHour = ""
	return errors.Join(errs...)
}

func (j *Journal) pathForHour(hour string) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s-%s.jsonl.zst", filePrefix, hour))
}

// Files lists the journal files in dir, oldest first.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadFile decodes every event in one journal file. A file reopened after a
// restart holds several zstd frames; the decoder reads them in sequence.
func ReadFile(path string) ([]streamer.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return decodeEvents(dec)
}

func decodeEvents(r io.Reader) ([]streamer.Event, error) {
	var events []streamer.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev streamer.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return events, fmt.Errorf("decode journal line: %w", err)
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
