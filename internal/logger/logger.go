package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/kestrel-dash/internal/link"
)

// Logger records downloaded log records to CSV files. A new file is started
// when the row limit is hit or the device reports a different field layout.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	log     logrus.FieldLogger
	now     func() time.Time

	columns []string // from the latest template event
	file    *os.File
	writer  *csv.Writer
	header  []string
	rows    int
	files   int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultMaxRows = 100_000
	sequenceColumn = "sequence"
)

// New creates a new Logger.
func New(cfg Config, l logrus.FieldLogger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/kestrel-dash"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		log:     l.WithField("component", "recorder"),
		now:     time.Now,
	}
}

// SetEnabled allows toggling recording at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record consumes one link event. Template events set the column layout;
// log records become rows. Everything else is ignored.
func (l *Logger) Record(ev link.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Kind {
	case link.EventTemplate:
		l.columns = append([]string(nil), ev.Names...)
		return
	case link.EventLogRecord:
	default:
		return
	}
	if !l.enabled {
		return
	}

	header := l.headerFor(ev)
	if l.writer == nil || l.rows >= l.maxRows || !equal(header, l.header) {
		if err := l.rotateFile(header); err != nil {
			l.log.Errorf("rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(l.header, ev)); err != nil {
		l.log.Errorf("write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

// headerFor uses the template layout, or the record's own sorted field
// names when no template has been seen.
func (l *Logger) headerFor(ev link.Event) []string {
	cols := l.columns
	if len(cols) == 0 {
		for name := range ev.Fields {
			cols = append(cols, name)
		}
		sort.Strings(cols)
	}
	return append([]string{sequenceColumn}, cols...)
}

func (l *Logger) rotateFile(header []string) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.files++
	filename := fmt.Sprintf("kestrel_%s_%03d.csv", l.now().Format("2006-01-02_150405"), l.files)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.header = header
	l.rows = 0

	if err := l.writer.Write(header); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.WithField("columns", len(header)).Infof("opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.header = nil
}

func buildRow(header []string, ev link.Event) []string {
	row := make([]string, len(header))
	row[0] = strconv.Itoa(int(ev.Sequence))
	for i, name := range header[1:] {
		row[i+1] = formatValue(ev.Fields[name])
	}
	return row
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
