// Package transcript follows agent transcript files and feeds the token usage
// they report into the HookStore.
package transcript

import (
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/hpcloud/tail"
	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/internal/models"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// TokenSink accumulates token usage per session.
type TokenSink interface {
	UpdateSessionTokens(sessionID string, inputTokens, outputTokens int64, costUSD float64) (*types.HookSession, error)
}

// Entry is the usage carried by one assistant transcript line.
type Entry struct {
	MessageID string
	Model     string
	Usage     models.Usage
}

type transcriptLine struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// ParseLine extracts the usage from an assistant transcript line. Lines
// without usage, or that do not parse, report false.
func ParseLine(text string) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" || text[0] != '{' {
		return Entry{}, false
	}
	var line transcriptLine
	if err := json.Unmarshal([]byte(text), &line); err != nil {
		return Entry{}, false
	}
	if line.Type != "assistant" || line.Message == nil || line.Message.Usage == nil {
		return Entry{}, false
	}
	u := line.Message.Usage
	return Entry{
		MessageID: line.Message.ID,
		Model:     line.Message.Model,
		Usage: models.Usage{
			InputTokens:         u.InputTokens,
			OutputTokens:        u.OutputTokens,
			CacheCreationTokens: u.CacheCreationInputTokens,
			CacheReadTokens:     u.CacheReadInputTokens,
		},
	}, true
}

type follower struct {
	sessionID string
	path      string
	t         *tail.Tail
	seen      map[string]bool
	done      chan struct{}
}

// Tailer follows one transcript per session.
type Tailer struct {
	sink    TokenSink
	catalog *models.Catalog
	logger  *logrus.Entry
	poll    bool

	mu        sync.Mutex
	followers map[string]*follower
}

// Option configures a Tailer.
type Option func(*Tailer)

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(t *Tailer) { t.logger = l }
}

// WithPolling makes the tailer poll files instead of using inotify.
func WithPolling(poll bool) Option {
	return func(t *Tailer) { t.poll = poll }
}

// NewTailer creates a Tailer reporting into sink, priced with catalog.
func NewTailer(sink TokenSink, catalog *models.Catalog, opts ...Option) *Tailer {
	t := &Tailer{
		sink:      sink,
		catalog:   catalog,
		followers: make(map[string]*follower),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.NewLogger("transcript")
	}
	if t.catalog == nil {
		t.catalog = models.NewCatalog()
	}
	return t
}

// Follow starts following path for sessionID. With fromStart the file is read
// from the beginning; otherwise only lines appended from now on are counted,
// which avoids counting a resumed session twice. Following the path already
// followed for the session is a no-op.
func (t *Tailer) Follow(sessionID, path string, fromStart bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.followers[sessionID]; ok {
		if f.path == path {
			return nil
		}
		t.stopLocked(f)
	}

	whence := io.SeekEnd
	if fromStart {
		whence = io.SeekStart
	}
	tl, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      t.poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return err
	}

	f := &follower{
		sessionID: sessionID,
		path:      path,
		t:         tl,
		seen:      make(map[string]bool),
		done:      make(chan struct{}),
	}
	t.followers[sessionID] = f
	go t.run(f)

	t.logger.WithFields(logrus.Fields{"session": sessionID, "path": path, "from_start": fromStart}).Debug("Following transcript")
	return nil
}

func (t *Tailer) run(f *follower) {
	defer close(f.done)
	for line := range f.t.Lines {
		if line.Err != nil {
			t.logger.WithError(line.Err).WithField("path", f.path).Debug("Transcript read error")
			continue
		}
		t.handle(f, line.Text)
	}
}

// handle runs on the follower's goroutine only.
func (t *Tailer) handle(f *follower, text string) {
	entry, ok := ParseLine(text)
	if !ok {
		return
	}
	// Streaming writes one line per content block, each repeating the
	// message usage.
	if entry.MessageID != "" {
		if f.seen[entry.MessageID] {
			return
		}
		f.seen[entry.MessageID] = true
	}

	u := entry.Usage
	input := u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens
	cost := t.catalog.EstimateCost(entry.Model, u)
	if _, err := t.sink.UpdateSessionTokens(f.sessionID, input, u.OutputTokens, cost); err != nil {
		t.logger.WithError(err).WithField("session", f.sessionID).Warn("Failed to record transcript usage")
	}
}

// Unfollow stops following the session's transcript.
func (t *Tailer) Unfollow(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.followers[sessionID]; ok {
		t.stopLocked(f)
	}
}

// Following reports whether a transcript is followed for sessionID.
func (t *Tailer) Following(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.followers[sessionID]
	return ok
}

// Stop stops every follower.
func (t *Tailer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.followers {
		t.stopLocked(f)
	}
}

// Caller holds mu.
func (t *Tailer) stopLocked(f *follower) {
	delete(t.followers, f.sessionID)
	if err := f.t.Stop(); err != nil {
		t.logger.WithError(err).WithField("path", f.path).Debug("Transcript tail stopped with error")
	}
	f.t.Cleanup()
	<-f.done
}
