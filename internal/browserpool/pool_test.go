package browserpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightfield-labs/scraperd/internal/workflow"
)

type fakePage struct{ id int }

func (f *fakePage) Navigate(ctx context.Context, url string) (int, error) { return 200, nil }
func (f *fakePage) CurrentURL() string                                   { return "" }
func (f *fakePage) PageText(ctx context.Context) (string, error)         { return "", nil }
func (f *fakePage) FindAll(ctx context.Context, selector string) ([]workflow.Element, error) {
	return nil, nil
}
func (f *fakePage) WaitForAny(ctx context.Context, selectors []string, timeoutMs int) (string, error) {
	return "", nil
}
func (f *fakePage) Click(ctx context.Context, el workflow.Element) error             { return nil }
func (f *fakePage) ScrollIntoView(ctx context.Context, el workflow.Element) error    { return nil }
func (f *fakePage) InputText(ctx context.Context, selector, text string, clearFirst bool) error {
	return nil
}
func (f *fakePage) ExtractText(ctx context.Context, selector, attribute string) (string, error) {
	return "", nil
}
func (f *fakePage) ExtractAll(ctx context.Context, selector, attribute string) ([]string, error) {
	return nil, nil
}
func (f *fakePage) ExtractTable(ctx context.Context, selector string) ([]map[string]string, error) {
	return nil, nil
}
func (f *fakePage) ExecuteScript(ctx context.Context, script string) (any, error) {
	return nil, nil
}
func (f *fakePage) Scroll(ctx context.Context, dx, dy int) error { return nil }
func (f *fakePage) ApplyStealth(ctx context.Context) error       { return nil }
func (f *fakePage) CaptureDebugArtifacts(ctx context.Context) (workflow.DebugArtifacts, error) {
	return workflow.DebugArtifacts{}, nil
}

func newCountingFactory() (Factory, *int32) {
	var n int32
	return func(ctx context.Context) (workflow.Page, error) {
		id := atomic.AddInt32(&n, 1)
		return &fakePage{id: int(id)}, nil
	}, &n
}

func TestAcquireReusesReleasedInstanceUnderUseLimit(t *testing.T) {
	factory, constructed := newCountingFactory()
	var closedCount int32
	closer := func(p workflow.Page) error {
		atomic.AddInt32(&closedCount, 1)
		return nil
	}
	pool := New(1, 5, factory, closer, nil)

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(page, 1)

	page2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, page, page2)
	assert.EqualValues(t, 1, atomic.LoadInt32(constructed))
	assert.EqualValues(t, 0, atomic.LoadInt32(&closedCount))
}

func TestReleaseRetiresInstanceAtUseLimit(t *testing.T) {
	factory, constructed := newCountingFactory()
	var closedCount int32
	closer := func(p workflow.Page) error {
		atomic.AddInt32(&closedCount, 1)
		return nil
	}
	pool := New(1, 2, factory, closer, nil)

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(page, 2)

	assert.EqualValues(t, 1, atomic.LoadInt32(&closedCount))
	assert.Equal(t, 0, pool.Len())

	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(constructed))
}

func TestAcquireBlocksUntilCapacityFrees(t *testing.T) {
	factory, _ := newCountingFactory()
	pool := New(1, 0, factory, nil, nil)

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("second Acquire should have blocked at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(page, 1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second Acquire never unblocked after Release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	factory, _ := newCountingFactory()
	pool := New(1, 0, factory, nil, nil)

	_, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseRetiresIdleInstancesAndRejectsAcquire(t *testing.T) {
	factory, _ := newCountingFactory()
	var closedCount int32
	closer := func(p workflow.Page) error {
		atomic.AddInt32(&closedCount, 1)
		return nil
	}
	pool := New(2, 0, factory, closer, nil)

	page, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(page, 1)

	pool.Close()
	assert.EqualValues(t, 1, atomic.LoadInt32(&closedCount))

	_, err = pool.Acquire(context.Background())
	assert.Error(t, err)
}
