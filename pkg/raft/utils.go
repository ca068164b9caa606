package raft

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path"
	"runtime"
	"sync"
	"time"
)

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	// Always skip runtime.Callers and StackTrace
	nbFrames := runtime.Callers(2, pc)
	pc = pc[:nbFrames]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n", frame.Function)
		fmt.Fprintf(&buf, "  %s:%d\n", frame.File, frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}

// writeFileAtomically replaces the content of a file so that readers either
// see the old or the new content, never a partial write.
func writeFileAtomically(filePath string, data []byte) error {
	tmpPath := filePath + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", tmpPath, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("cannot write %q: %w", tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("cannot sync %q: %w", tmpPath, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("cannot close %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("cannot rename %q: %w", tmpPath, err)
	}

	if dir, err := os.Open(path.Dir(filePath)); err == nil {
		dir.Sync()
		dir.Close()
	}

	return nil
}

// randomDuration is safe for concurrent use, unlike a rand.Rand.
type randomDuration struct {
	mu  sync.Mutex
	gen *rand.Rand
}

func newRandomDuration() *randomDuration {
	source := rand.NewSource(time.Now().UnixNano())

	return &randomDuration{
		gen: rand.New(source),
	}
}

func (r *randomDuration) between(min, max time.Duration) time.Duration {
	minMs := min.Milliseconds()
	maxMs := max.Milliseconds()

	r.mu.Lock()
	jitter := r.gen.Int63n(maxMs - minMs + 1)
	r.mu.Unlock()

	return time.Duration(minMs+jitter) * time.Millisecond
}

func minLogIndex(a, b LogIndex) LogIndex {
	if a < b {
		return a
	}

	return b
}
