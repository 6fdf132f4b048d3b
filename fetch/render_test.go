package fetch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRendererArgs(t *testing.T) {
	r, err := NewCommandRenderer(`chromium --headless=new --user-agent="Mozilla/5.0 (X11)" --dump-dom {url}`)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"chromium", "--headless=new", "--user-agent=Mozilla/5.0 (X11)", "--dump-dom", "https://a.test/p?x=1"},
		r.Args("https://a.test/p?x=1"))

	appended, err := NewCommandRenderer("render-page --wait 2")
	require.NoError(t, err)
	assert.Equal(t, []string{"render-page", "--wait", "2", "https://a.test"}, appended.Args("https://a.test"))
}

func TestCommandRendererRejectsBadTemplates(t *testing.T) {
	_, err := NewCommandRenderer("")
	assert.Error(t, err)

	_, err = NewCommandRenderer(`chromium "unterminated`)
	assert.Error(t, err)
}

func TestCommandRendererCapturesStdout(t *testing.T) {
	r, err := NewCommandRenderer("echo <html>{url}</html>")
	require.NoError(t, err)

	resp, err := r.Render(context.Background(), "https://a.test/p/1")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.True(t, resp.Rendered)
	assert.Equal(t, "<html>https://a.test/p/1</html>", strings.TrimSpace(string(resp.Body)))
}

func TestOffloadPoolBoundsConcurrency(t *testing.T) {
	pool := NewOffloadPool(2)
	var running, peak atomic.Int32

	slow := RendererFunc(func(ctx context.Context, url string) (*Response, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return &Response{Status: 200}, nil
	})
	r := Pooled(slow, pool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Render(context.Background(), "u")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 2, pool.Size())
}

func TestOffloadPoolHonoursContext(t *testing.T) {
	pool := NewOffloadPool(1)
	release := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()
	defer close(release)

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
