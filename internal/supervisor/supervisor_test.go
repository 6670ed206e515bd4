package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

func TestSupervisor_HandshakeAndForwarding(t *testing.T) {
	sink := newRecordingSink()
	h, err := NewSupervisor(testConfig(), &mockProcessManager{}, zap.NewNop()).Start(helperSpec("echo"), sink)
	require.NoError(t, err)
	t.Cleanup(func() { h.Shutdown(time.Second) })

	handlers, degraded := sink.waitReady(t, 10*time.Second)
	assert.Nil(t, degraded)
	assert.Equal(t, []string{"greet", "sum"}, handlers)

	require.NoError(t, h.Send(Request{ID: "1", Method: "greet", Params: []byte(`{"name":"ada"}`)}))
	assert.JSONEq(t, `{"echo":{"id":"1","method":"greet","params":{"name":"ada"}}}`, sink.waitResponse(t, 5*time.Second))

	require.NoError(t, h.Shutdown(2*time.Second))
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not exit after stdin closed")
	}
	assert.Equal(t, StateDrained, h.Drain().State())
}

func TestSupervisor_DegradedHandshake(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		timeout    time.Duration
		wantReason string
	}{
		{"first line not json", "notjson", 5 * time.Second, "unexpected first line"},
		{"no first line", "silent", 200 * time.Millisecond, "no ready line"},
		{"exit before ready", "exit", 5 * time.Second, "before ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.HandshakeTimeout = tt.timeout
			sink := newRecordingSink()
			h, err := NewSupervisor(cfg, &mockProcessManager{}, nil).Start(helperSpec(tt.mode), sink)
			require.NoError(t, err)
			t.Cleanup(func() { h.Shutdown(time.Second) })

			handlers, degraded := sink.waitReady(t, 10*time.Second)
			require.NotNil(t, degraded)
			assert.Contains(t, degraded.Reason, tt.wantReason)
			assert.Empty(t, handlers)
			assert.NotNil(t, handlers, "degraded ready carries an empty handler list")
		})
	}
}

func TestSupervisor_ForwardingAfterDegradedHandshake(t *testing.T) {
	sink := newRecordingSink()
	h, err := NewSupervisor(testConfig(), &mockProcessManager{}, nil).Start(helperSpec("notjson"), sink)
	require.NoError(t, err)
	t.Cleanup(func() { h.Shutdown(time.Second) })

	sink.waitReady(t, 10*time.Second)
	require.NoError(t, h.Send(Request{ID: "7", Method: "ping"}))
	assert.JSONEq(t, `{"echo":{"id":"7","method":"ping"}}`, sink.waitResponse(t, 5*time.Second))
}

func TestSupervisor_LinesAfterHandshakeTimeout(t *testing.T) {
	tests := []struct {
		name  string
		mode  string
		wants []string
	}{
		{
			name:  "late response is forwarded",
			mode:  "late",
			wants: []string{`{"id":"1","result":"late"}`, `{"id":"2","result":"second"}`},
		},
		{
			name:  "late ready line is dropped",
			mode:  "lateready",
			wants: []string{`{"id":"1","result":"after ready"}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.HandshakeTimeout = 100 * time.Millisecond
			sink := newRecordingSink()
			h, err := NewSupervisor(cfg, &mockProcessManager{}, nil).Start(helperSpec(tt.mode), sink)
			require.NoError(t, err)
			t.Cleanup(func() { h.Shutdown(time.Second) })

			handlers, degraded := sink.waitReady(t, 5*time.Second)
			require.NotNil(t, degraded)
			assert.Contains(t, degraded.Reason, "no ready line")
			assert.Empty(t, handlers)

			for _, want := range tt.wants {
				assert.JSONEq(t, want, sink.waitResponse(t, 5*time.Second))
			}
			sink.mu.Lock()
			assert.Equal(t, 1, sink.readyCount)
			sink.mu.Unlock()
		})
	}
}

func TestSupervisor_SendUnavailable(t *testing.T) {
	t.Run("after exit", func(t *testing.T) {
		sink := newRecordingSink()
		h, err := NewSupervisor(testConfig(), &mockProcessManager{}, nil).Start(helperSpec("exit"), sink)
		require.NoError(t, err)
		<-h.Done()

		exited, waitErr := h.Exited()
		assert.True(t, exited)
		assert.Error(t, waitErr)
		assert.ErrorIs(t, h.Send(Request{ID: "1", Method: "x"}), domain.ErrBackendUnavailable)
	})
	t.Run("after shutdown", func(t *testing.T) {
		sink := newRecordingSink()
		h, err := NewSupervisor(testConfig(), &mockProcessManager{}, nil).Start(helperSpec("echo"), sink)
		require.NoError(t, err)
		sink.waitReady(t, 10*time.Second)

		require.NoError(t, h.Shutdown(time.Second))
		assert.ErrorIs(t, h.Send(Request{ID: "1", Method: "x"}), domain.ErrBackendUnavailable)
	})
	t.Run("process no longer running", func(t *testing.T) {
		pm := &mockProcessManager{}
		sink := newRecordingSink()
		h, err := NewSupervisor(testConfig(), pm, nil).Start(helperSpec("echo"), sink)
		require.NoError(t, err)
		t.Cleanup(func() { h.Shutdown(time.Second) })
		sink.waitReady(t, 10*time.Second)
		require.NoError(t, h.Send(Request{ID: "1", Method: "x"}))

		pm.mu.Lock()
		pm.gone = true
		pm.mu.Unlock()

		err = h.Send(Request{ID: "2", Method: "x"})
		assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
		assert.Contains(t, err.Error(), "not running")
	})
}

func TestSupervisor_ShutdownWaitsForInFlightForward(t *testing.T) {
	sink := newRecordingSink()
	sink.hold = make(chan struct{})
	h, err := NewSupervisor(testConfig(), &mockProcessManager{}, nil).Start(helperSpec("echo"), sink)
	require.NoError(t, err)
	sink.waitReady(t, 10*time.Second)

	require.NoError(t, h.Send(Request{ID: "1", Method: "slow"}))
	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("forward never started")
	}

	returned := make(chan struct{})
	go func() {
		h.Shutdown(5 * time.Second)
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("shutdown returned while a forward was in flight")
	case <-time.After(200 * time.Millisecond):
	}

	close(sink.hold)
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return after the forward finished")
	}
}

func TestSupervisor_ShutdownKillsStubbornBackend(t *testing.T) {
	pm := &mockProcessManager{}
	cfg := testConfig()
	cfg.ShutdownGrace = 200 * time.Millisecond
	sink := newRecordingSink()
	h, err := NewSupervisor(cfg, pm, nil).Start(helperSpec("stubborn"), sink)
	require.NoError(t, err)
	sink.waitReady(t, 10*time.Second)

	require.NoError(t, h.Shutdown(time.Second))
	assert.Equal(t, []int{h.PID()}, pm.killed)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("backend still running after kill")
	}
}

func TestSupervisor_SpawnError(t *testing.T) {
	_, err := NewSupervisor(testConfig(), nil, nil).Start(&LaunchSpec{Interpreter: "/nonexistent/python3"}, newRecordingSink())

	var spawnErr *domain.ProcessSpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "/nonexistent/python3", spawnErr.Interpreter)
	assert.Equal(t, domain.KindProcessSpawn, domain.ErrorKind(err))
}

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 30 * time.Second},
		{"45s", 45 * time.Second},
		{"10", 10 * time.Second},
		{"soon", 30 * time.Second},
		{"-5s", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(HandshakeTimeoutEnv, tt.value)
			assert.Equal(t, tt.want, ConfigFromEnv().HandshakeTimeout)
		})
	}
}
