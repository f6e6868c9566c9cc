package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"p2phttp/internal/auth"
	"p2phttp/internal/shared/logging"
)

type fakeCloudWatch struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func (f *fakeCloudWatch) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

// values flattens one emission into metric name -> value.
func (f *fakeCloudWatch) values(i int) map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64)
	for _, d := range f.inputs[i].MetricData {
		out[aws.ToString(d.MetricName)] = aws.ToFloat64(d.Value)
	}
	return out
}

func enabledConfig() *Config {
	return &Config{
		Enabled:      true,
		Region:       "us-east-1",
		Namespace:    "P2PHTTP",
		NodeName:     "test-node",
		EmitInterval: 60 * time.Second,
	}
}

func newTestEmitter(cfg *Config) (*Emitter, *fakeCloudWatch) {
	api := &fakeCloudWatch{}
	return NewEmitterWithClient(cfg, api, logging.Discard("metrics-test")), api
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  enabledConfig(),
			wantErr: false,
		},
		{
			name:    "disabled is valid",
			config:  &Config{Enabled: false},
			wantErr: false,
		},
		{
			name: "missing region",
			config: &Config{
				Namespace:    "P2PHTTP",
				EmitInterval: 60 * time.Second,
				Enabled:      true,
			},
			wantErr: true,
		},
		{
			name: "missing namespace",
			config: &Config{
				Region:       "us-east-1",
				EmitInterval: 60 * time.Second,
				Enabled:      true,
			},
			wantErr: true,
		},
		{
			name: "interval too short",
			config: &Config{
				Region:       "us-east-1",
				Namespace:    "P2PHTTP",
				EmitInterval: 5 * time.Second,
				Enabled:      true,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEmitterDisabled(t *testing.T) {
	emitter, err := NewEmitter(&Config{Enabled: false}, logging.Discard("metrics-test"))
	if err != nil {
		t.Fatalf("NewEmitter() error = %v", err)
	}

	// All methods should be safe to call when disabled
	emitter.Start()
	emitter.IncrementConnections()
	emitter.DecrementConnections()
	emitter.StreamOpened()
	emitter.WebSocketOpened()
	emitter.RecordAuth(auth.OutcomeHandshake)
	emitter.Stop()

	if count := emitter.GetActiveConnections(); count != 0 {
		t.Errorf("GetActiveConnections() = %d, want 0", count)
	}
	if emitter.Enabled() {
		t.Error("Expected emitter to be disabled")
	}
}

func TestNilClientDisables(t *testing.T) {
	emitter := NewEmitterWithClient(enabledConfig(), nil, logging.Discard("metrics-test"))
	if emitter.Enabled() {
		t.Error("Expected a nil client to disable emission")
	}
}

func TestActiveConnectionsTracking(t *testing.T) {
	emitter, _ := newTestEmitter(enabledConfig())

	emitter.IncrementConnections()
	emitter.IncrementConnections()
	emitter.IncrementConnections()
	if count := emitter.GetActiveConnections(); count != 3 {
		t.Errorf("After 3 increments GetActiveConnections() = %d, want 3", count)
	}

	emitter.DecrementConnections()
	emitter.DecrementConnections()
	emitter.DecrementConnections()
	emitter.DecrementConnections()
	if count := emitter.GetActiveConnections(); count != 0 {
		t.Errorf("After decrement below 0 GetActiveConnections() = %d, want 0", count)
	}
}

func TestEmitResetsIntervalCounters(t *testing.T) {
	emitter, api := newTestEmitter(enabledConfig())

	emitter.IncrementConnections()
	emitter.WebSocketOpened()
	emitter.WebSocketOpened()
	emitter.WebSocketClosed()
	for i := 0; i < 5; i++ {
		emitter.StreamOpened()
	}
	emitter.RecordAuth(auth.OutcomeChallenge)
	emitter.RecordAuth(auth.OutcomeHandshake)
	emitter.RecordAuth(auth.OutcomeBearer)
	emitter.RecordAuth(auth.OutcomeBearer)
	emitter.RecordAuth("unknown")

	snap := emitter.Snapshot()
	if snap.Streams != 5 || snap.ActiveWebSockets != 1 || snap.Auth[auth.OutcomeBearer] != 2 {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	emitter.emitMetrics()
	got := api.values(0)

	want := map[string]float64{
		"ActiveConnections":       1,
		"ActiveWebSocketSessions": 1,
		"Streams":                 5,
		"Auth_bearer":             2,
		"Auth_handshake":          1,
		"Auth_challenge":          1,
		"Auth_rejected":           0,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s: expected %v, got %v", name, v, got[name])
		}
	}

	emitter.emitMetrics()
	got = api.values(1)
	if got["Streams"] != 0 || got["Auth_bearer"] != 0 {
		t.Errorf("Expected interval counters reset, got %v", got)
	}
	if got["ActiveConnections"] != 1 {
		t.Errorf("Expected gauges kept, got %v", got["ActiveConnections"])
	}
}

func TestEmitFailureIsTolerated(t *testing.T) {
	emitter, api := newTestEmitter(enabledConfig())
	api.err = errors.New("throttled")

	emitter.StreamOpened()
	emitter.emitMetrics()

	if api.calls() != 1 {
		t.Errorf("Expected 1 call, got %d", api.calls())
	}
}

func TestStartStop(t *testing.T) {
	cfg := enabledConfig()
	cfg.EmitInterval = 20 * time.Millisecond
	emitter, api := newTestEmitter(cfg)

	emitter.Start()
	time.Sleep(110 * time.Millisecond)
	emitter.Stop()
	emitter.Stop()

	// Several ticks plus the final emission on Stop.
	if n := api.calls(); n < 2 {
		t.Errorf("Expected at least 2 emissions, got %d", n)
	}
}

func TestConcurrentConnectionUpdates(t *testing.T) {
	emitter, _ := newTestEmitter(enabledConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				emitter.IncrementConnections()
				emitter.RecordAuth(auth.OutcomeBearer)
			}
		}()
	}
	wg.Wait()

	if count := emitter.GetActiveConnections(); count != 1000 {
		t.Errorf("After concurrent increments GetActiveConnections() = %d, want 1000", count)
	}
	if n := emitter.Snapshot().Auth[auth.OutcomeBearer]; n != 1000 {
		t.Errorf("Expected 1000 bearer outcomes, got %d", n)
	}
}
