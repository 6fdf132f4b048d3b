package fetch

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/semaphore"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// Renderer produces the HTML of a page the way a browser sees it. It is the
// escalation path when lightweight fetches keep failing.
type Renderer interface {
	Render(ctx context.Context, url string) (*Response, error)
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(ctx context.Context, url string) (*Response, error)

func (f RendererFunc) Render(ctx context.Context, url string) (*Response, error) {
	return f(ctx, url)
}

// OffloadPool runs blocking work on a fixed number of slots so renders
// cannot starve the goroutines doing lightweight fetches
type OffloadPool struct {
	sem  *semaphore.Weighted
	size int
}

// NewOffloadPool creates a pool with size slots (at least one)
func NewOffloadPool(size int) *OffloadPool {
	size = max(1, size)
	return &OffloadPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots
func (p *OffloadPool) Size() int {
	return p.size
}

// Do waits for a slot and runs fn in it
func (p *OffloadPool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Pooled wraps a renderer so every render takes a pool slot
func Pooled(r Renderer, pool *OffloadPool) Renderer {
	if pool == nil {
		return r
	}
	return RendererFunc(func(ctx context.Context, url string) (*Response, error) {
		var resp *Response
		err := pool.Do(ctx, func(ctx context.Context) error {
			var err error
			resp, err = r.Render(ctx, url)
			return err
		})
		return resp, err
	})
}

// CommandRenderer runs a headless browser command and reads the DOM from its
// stdout. The template is split like a shell would; "{url}" is replaced by
// the target, or the target is appended when absent.
//
//	chromium --headless=new --disable-gpu --dump-dom {url}
type CommandRenderer struct {
	argv []string
}

// NewCommandRenderer parses a command template
func NewCommandRenderer(template string) (*CommandRenderer, error) {
	argv, err := shellquote.Split(template)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid render command %q", template)
	}
	if len(argv) == 0 {
		return nil, errors.New("render command is empty")
	}
	return &CommandRenderer{argv: argv}, nil
}

// Args returns the argv for url
func (r *CommandRenderer) Args(url string) []string {
	args := make([]string, 0, len(r.argv)+1)
	substituted := false
	for _, a := range r.argv {
		if strings.Contains(a, "{url}") {
			a = strings.ReplaceAll(a, "{url}", url)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, url)
	}
	return args
}

// Render runs the command until it exits or ctx ends
func (r *CommandRenderer) Render(ctx context.Context, url string) (*Response, error) {
	args := r.Args(url)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.WithDetail(errors.Wrapf(err, "render %s", url), truncateOutput(stderr.String()))
	}
	return &Response{Status: 200, Body: stdout.Bytes(), FinalURL: url, Rendered: true}, nil
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
