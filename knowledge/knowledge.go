// Package knowledge exposes the knowledge-base file as the gateway's single
// MCP tool.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-sse-gateway/mcp"
	"github.com/ggoodman/mcp-sse-gateway/mcpservice"
)

const (
	ToolName        = "consultar_base_conhecimento"
	ToolDescription = "Lê o arquivo regras.md na raiz do projeto e retorna o conteúdo em texto."

	DefaultFile = "regras.md"
)

// Source reads one file from disk. While Start is active the content is
// cached and invalidated by filesystem events.
type Source struct {
	dir  string
	file string
	path string
	log  *slog.Logger

	mu       sync.Mutex
	watching bool
	gen      uint64
	cached   *string

	watcher *fsnotify.Watcher
	stopped chan struct{}
}

type Option func(*Source)

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSource returns a Source for dir/file. An empty dir means the working
// directory and an empty file means DefaultFile.
func NewSource(dir, file string, opts ...Option) (*Source, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		dir = wd
	}
	if file == "" {
		file = DefaultFile
	}
	abs, err := filepath.Abs(filepath.Join(dir, file))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve knowledge file path: %w", err)
	}

	s := &Source{
		dir:  filepath.Dir(abs),
		file: filepath.Base(abs),
		path: abs,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path is the absolute path of the file.
func (s *Source) Path() string { return s.path }

// Read returns the file content.
func (s *Source) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.watching && s.cached != nil {
		content := *s.cached
		s.mu.Unlock()
		return content, nil
	}
	gen := s.gen
	s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	content := string(b)

	s.mu.Lock()
	if s.watching && s.gen == gen {
		s.cached = &content
	}
	s.mu.Unlock()
	return content, nil
}

// Start watches the file's directory and enables caching until ctx ends or
// Close is called.
func (s *Source) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// The directory is watched rather than the file so that editors that
	// replace the file by rename are still seen.
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		_ = w.Close()
		return errors.New("knowledge source already watching")
	}
	s.watcher = w
	s.watching = true
	s.stopped = make(chan struct{})
	stopped := s.stopped
	s.mu.Unlock()

	go s.run(ctx, w, stopped)
	s.log.InfoContext(ctx, "knowledge.watch.start", slog.String("path", s.path))
	return nil
}

// Close stops watching and disables the cache.
func (s *Source) Close() error {
	s.mu.Lock()
	w, stopped := s.watcher, s.stopped
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-stopped
	return err
}

func (s *Source) run(ctx context.Context, w *fsnotify.Watcher, stopped chan struct{}) {
	defer func() {
		_ = w.Close()
		s.mu.Lock()
		s.watching = false
		s.cached = nil
		s.gen++
		s.watcher = nil
		s.mu.Unlock()
		close(stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			s.invalidate()
			s.log.DebugContext(ctx, "knowledge.cache.invalidate", slog.String("op", ev.Op.String()))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			// Events may have been dropped, so the cache cannot be trusted.
			s.invalidate()
			s.log.WarnContext(ctx, "knowledge.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (s *Source) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.gen++
	s.mu.Unlock()
}

type noArgs struct{}

// Tool returns the tool that serves the file. A failed read is reported as a
// successful result whose text names the error and the path tried.
func (s *Source) Tool() mcpservice.StaticTool {
	return mcpservice.NewTool[noArgs](ToolName, func(ctx context.Context, _ mcpservice.Session, w mcpservice.ToolResponseWriter, _ *mcpservice.ToolRequest[noArgs]) error {
		content, err := s.Read(ctx)
		if err != nil {
			s.log.WarnContext(ctx, "knowledge.read.fail", slog.String("path", s.path), slog.String("err", err.Error()))
			content = fmt.Sprintf("Erro ao ler %s: %s. Verifique se o arquivo existe em %s.", s.file, err.Error(), s.path)
		}
		return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: content})
	},
		mcpservice.WithToolDescription(ToolDescription),
		mcpservice.WithToolAllowAdditionalProperties(true),
	)
}
