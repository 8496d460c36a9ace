package supervisor

import (
	"sync"

	"github.com/ilocn/mcpman/internal/classify"
)

// streamWriter is the io.Writer handed to exec.Cmd for one worker pipe.
// exec copies raw reads into Write, so chunks arrive with arbitrary
// boundaries; the splitter holds a partial trailing line until a later
// write completes it.
type streamWriter struct {
	mu     sync.Mutex
	split  classify.Splitter
	stream classify.Stream
	emit   func(stream classify.Stream, line string)
}

func newStreamWriter(stream classify.Stream, emit func(classify.Stream, string)) *streamWriter {
	return &streamWriter{stream: stream, emit: emit}
}

// Write implements io.Writer. It never fails.
func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	lines := w.split.Feed(p)
	w.mu.Unlock()
	for _, line := range lines {
		w.emit(w.stream, line)
	}
	return len(p), nil
}

// flush emits an unterminated final line once the pipe is closed.
func (w *streamWriter) flush() {
	w.mu.Lock()
	line, ok := w.split.Flush()
	w.mu.Unlock()
	if ok {
		w.emit(w.stream, line)
	}
}
