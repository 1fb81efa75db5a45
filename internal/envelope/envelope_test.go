package envelope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("http %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() models.EnvelopeConfig {
	return models.EnvelopeConfig{
		Default: models.SourcePolicy{
			Concurrency: 1,
			Timeout:     time.Second,
			MaxAttempts: 3,
			BaseBackoff: 2 * time.Second,
			MaxBackoff:  30 * time.Second,
		},
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestEnvelope(cfg models.EnvelopeConfig, rec *sleepRecorder) *Envelope {
	if rec == nil {
		rec = &sleepRecorder{}
	}
	return New(cfg, quietLogger(), WithSleep(rec.sleep), WithJitter(0))
}

func TestExecuteRetriesTransientExactlyMaxAttempts(t *testing.T) {
	rec := &sleepRecorder{}
	env := newTestEnvelope(testConfig(), rec)

	var calls atomic.Int32
	err := env.Execute(context.Background(), Call{Agent: "osint", Source: "shodan", Context: map[string]string{"domain": "example.com"}},
		func(ctx context.Context) error {
			calls.Add(1)
			return statusErr(503)
		})

	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "shodan", se.Source)
	assert.Equal(t, 3, se.Attempts)
	assert.Contains(t, err.Error(), "shodan")

	entries := env.GetAuditLog()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, models.AuditError, e.Status)
		assert.Equal(t, i+1, e.Attempt)
		assert.Equal(t, "example.com", e.Context["domain"])
		assert.Equal(t, "osint", e.Agent)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestExecuteDoesNotRetryNonTransient(t *testing.T) {
	env := newTestEnvelope(testConfig(), nil)

	var calls atomic.Int32
	err := env.Execute(context.Background(), Call{Source: "nvd"}, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("malformed keyword")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, env.GetAuditLog(), 1)

	calls.Store(0)
	err = env.Execute(context.Background(), Call{Source: "nvd"}, func(ctx context.Context) error {
		calls.Add(1)
		return Permanent(statusErr(503))
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	err = env.Execute(context.Background(), Call{Source: "hibp"}, func(ctx context.Context) error {
		calls.Add(1)
		return statusErr(404)
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteSucceedsAfterTransientFailure(t *testing.T) {
	env := newTestEnvelope(testConfig(), nil)

	var calls atomic.Int32
	err := env.Execute(context.Background(), Call{Source: "dns"}, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("read udp: i/o timeout")
		}
		return nil
	})
	require.NoError(t, err)

	entries := env.GetAuditLog()
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditError, entries[0].Status)
	assert.Equal(t, models.AuditSuccess, entries[1].Status)
}

func TestExecuteTimeoutRecordsTimeoutEntries(t *testing.T) {
	cfg := testConfig()
	cfg.Default.Timeout = 20 * time.Millisecond
	env := newTestEnvelope(cfg, nil)

	err := env.Execute(context.Background(), Call{Source: "tls"}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	entries := env.GetAuditLog()
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, models.AuditTimeout, e.Status)
	}
}

func TestExecuteTimeoutWhenWorkIgnoresContext(t *testing.T) {
	cfg := testConfig()
	cfg.Default.Timeout = 20 * time.Millisecond
	cfg.Default.MaxAttempts = 1
	env := newTestEnvelope(cfg, nil)

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := env.Execute(context.Background(), Call{Source: "slow"}, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteRecoversPanics(t *testing.T) {
	env := newTestEnvelope(testConfig(), nil)
	err := env.Execute(context.Background(), Call{Source: "crtsh"}, func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")
	assert.Len(t, env.GetAuditLog(), 1)
}

func TestConcurrentCallsProduceExactlyNEntries(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = map[string]models.SourcePolicy{"hibp": {Concurrency: 2}}
	env := newTestEnvelope(cfg, nil)

	const n = 50
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = env.Execute(context.Background(), Call{Source: "hibp", Context: map[string]string{"i": fmt.Sprint(i)}},
				func(ctx context.Context) error {
					cur := inFlight.Add(1)
					for {
						p := peak.Load()
						if cur <= p || peak.CompareAndSwap(p, cur) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					inFlight.Add(-1)
					return nil
				})
		}(i)
	}
	wg.Wait()

	entries := env.GetAuditLog()
	require.Len(t, entries, n)
	seen := make(map[string]bool, n)
	for _, e := range entries {
		seen[e.Context["i"]] = true
	}
	assert.Len(t, seen, n)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSourcesHaveIndependentBudgets(t *testing.T) {
	env := newTestEnvelope(testConfig(), nil)

	blocked := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = env.Execute(context.Background(), Call{Source: "shodan"}, func(ctx context.Context) error {
			close(started)
			<-blocked
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- env.Execute(context.Background(), Call{Source: "virustotal"}, func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("virustotal call blocked behind shodan")
	}
	close(blocked)
}

func TestAuditSnapshotIsACopy(t *testing.T) {
	env := newTestEnvelope(testConfig(), nil)
	require.NoError(t, env.Execute(context.Background(), Call{Source: "dns", Context: map[string]string{"domain": "a.com"}},
		func(ctx context.Context) error { return nil }))

	snap := env.GetAuditLog()
	snap[0].Context["domain"] = "tampered"
	snap[0].Status = models.AuditError

	again := env.GetAuditLog()
	assert.Equal(t, "a.com", again[0].Context["domain"])
	assert.Equal(t, models.AuditSuccess, again[0].Status)
}

// sliceSink is not safe for concurrent use on its own.
type sliceSink struct{ entries []models.AuditEntry }

func (s *sliceSink) Write(e models.AuditEntry) error {
	s.entries = append(s.entries, e)
	return nil
}

func TestSinkOrderMatchesSnapshot(t *testing.T) {
	sink := &sliceSink{}
	log := NewAuditLog(sink)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.Append(models.AuditEntry{Source: fmt.Sprintf("src-%d", i), Attempt: 1})
		}(i)
	}
	wg.Wait()

	snap := log.Snapshot()
	require.Len(t, sink.entries, 50)
	for i := range snap {
		assert.Equal(t, snap[i].Source, sink.entries[i].Source, "entry %d", i)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	env := newTestEnvelope(testConfig(), nil)
	p := testConfig().Default
	assert.Equal(t, 2*time.Second, env.backoff(p, 1))
	assert.Equal(t, 4*time.Second, env.backoff(p, 2))
	assert.Equal(t, 16*time.Second, env.backoff(p, 4))
	assert.Equal(t, 30*time.Second, env.backoff(p, 5))
	assert.Equal(t, 30*time.Second, env.backoff(p, 40))
}

func TestDoReturnsValue(t *testing.T) {
	env := newTestEnvelope(testConfig(), nil)
	v, err := Do(context.Background(), env, Call{Source: "nvd"}, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = Do(context.Background(), env, Call{Source: "nvd"}, func(ctx context.Context) (int, error) {
		return 7, errors.New("bad input")
	})
	require.Error(t, err)
	assert.Zero(t, v)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{statusErr(500), true},
		{statusErr(502), true},
		{statusErr(429), true},
		{statusErr(400), false},
		{fmt.Errorf("wrapped: %w", statusErr(503)), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("invalid domain"), false},
		{Permanent(errors.New("timeout")), false},
		{&TimeoutError{After: time.Second}, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTransient(tc.err), "%v", tc.err)
	}
}

func TestJSONLSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	sink, err := OpenJSONL(path)
	require.NoError(t, err)

	env := New(testConfig(), quietLogger(), WithAuditLog(NewAuditLog(sink)), WithSleep((&sleepRecorder{}).sleep))
	require.NoError(t, env.Execute(context.Background(), Call{Agent: "osint", Source: "dns"}, func(ctx context.Context) error { return nil }))
	_ = env.Execute(context.Background(), Call{Agent: "osint", Source: "nvd"}, func(ctx context.Context) error { return errors.New("bad") })
	require.NoError(t, sink.Close())

	entries, err := LoadJSONL(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dns", entries[0].Source)
	assert.Equal(t, models.AuditError, entries[1].Status)
	assert.Equal(t, "bad", entries[1].Error)
}
