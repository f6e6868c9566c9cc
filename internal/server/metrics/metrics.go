package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"p2phttp/internal/auth"
	"p2phttp/internal/shared/logging"
)

// API is the subset of the CloudWatch client used by the emitter.
type API interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var authOutcomes = []string{auth.OutcomeBearer, auth.OutcomeHandshake, auth.OutcomeChallenge, auth.OutcomeRejected}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	ActiveConnections int64
	ActiveWebSockets  int64
	Streams           int64 // Since the last emission
	Auth              map[string]int64
	LastActivity      time.Time
}

// Emitter counts node activity and periodically publishes it to
// CloudWatch. A disabled emitter ignores every call.
type Emitter struct {
	config *Config
	client API
	logger *logging.Logger

	activeConns      atomic.Int64
	activeWebSockets atomic.Int64
	streams          atomic.Int64
	auth             map[string]*atomic.Int64
	lastActivity     atomic.Int64 // Unix epoch seconds

	ctx        context.Context
	cancel     context.CancelFunc
	emitTicker *time.Ticker
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

var _ auth.Recorder = (*Emitter)(nil)

// NewEmitter creates an emitter backed by the default AWS credential
// chain. If AWS configuration cannot be loaded metrics are disabled.
func NewEmitter(cfg *Config, logger *logging.Logger) (*Emitter, error) {
	if cfg == nil {
		cfg = &Config{Enabled: false}
	}
	if logger == nil {
		logger = logging.NewLogger("metrics")
	}
	if !cfg.Enabled {
		logger.Info("CloudWatch metrics disabled")
		return NewEmitterWithClient(cfg, nil, logger), nil
	}

	awsConfig, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		logger.Warn("Failed to load AWS config, metrics will be disabled", "error", err.Error())
		disabled := *cfg
		disabled.Enabled = false
		return NewEmitterWithClient(&disabled, nil, logger), nil
	}

	return NewEmitterWithClient(cfg, cloudwatch.NewFromConfig(awsConfig), logger), nil
}

// NewEmitterWithClient creates an emitter publishing through client.
// A nil client disables emission.
func NewEmitterWithClient(cfg *Config, client API, logger *logging.Logger) *Emitter {
	if logger == nil {
		logger = logging.NewLogger("metrics")
	}
	c := *cfg
	if client == nil {
		c.Enabled = false
	}
	if c.EmitInterval <= 0 {
		c.EmitInterval = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		config: &c,
		client: client,
		logger: logger,
		auth:   make(map[string]*atomic.Int64, len(authOutcomes)),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, outcome := range authOutcomes {
		e.auth[outcome] = new(atomic.Int64)
	}
	e.lastActivity.Store(time.Now().Unix())

	if c.Enabled {
		logger.Info("CloudWatch metrics emitter initialized",
			"namespace", c.Namespace,
			"region", c.Region,
			"emitInterval", c.EmitInterval,
		)
	}
	return e
}

// Enabled reports whether metrics are being published.
func (e *Emitter) Enabled() bool {
	return e.config.Enabled
}

// Start begins emitting metrics at the configured interval
func (e *Emitter) Start() {
	if !e.config.Enabled {
		return
	}

	e.logger.Info("Starting metrics emission")
	e.emitTicker = time.NewTicker(e.config.EmitInterval)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				e.logger.Info("Metrics emission stopped")
				return
			case <-e.emitTicker.C:
				e.emitMetrics()
			}
		}
	}()
}

// Stop stops the emitter and publishes a final batch.
func (e *Emitter) Stop() {
	if !e.config.Enabled {
		return
	}
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping metrics emitter")
		e.cancel()
		if e.emitTicker != nil {
			e.emitTicker.Stop()
		}
		e.wg.Wait()
		e.emitMetrics()
	})
}

// IncrementConnections increments the active carrier connection counter
func (e *Emitter) IncrementConnections() {
	if !e.config.Enabled {
		return
	}
	count := e.activeConns.Add(1)
	e.UpdateLastActivity()
	e.logger.Debug("Active connections incremented", "count", count)
}

// DecrementConnections decrements the active carrier connection counter
func (e *Emitter) DecrementConnections() {
	if !e.config.Enabled {
		return
	}
	decrementClamped(&e.activeConns)
	e.UpdateLastActivity()
}

// StreamOpened counts one accepted stream.
func (e *Emitter) StreamOpened() {
	if !e.config.Enabled {
		return
	}
	e.streams.Add(1)
	e.UpdateLastActivity()
}

// WebSocketOpened counts an open WebSocket session.
func (e *Emitter) WebSocketOpened() {
	if !e.config.Enabled {
		return
	}
	e.activeWebSockets.Add(1)
	e.UpdateLastActivity()
}

// WebSocketClosed counts a finished WebSocket session.
func (e *Emitter) WebSocketClosed() {
	if !e.config.Enabled {
		return
	}
	decrementClamped(&e.activeWebSockets)
	e.UpdateLastActivity()
}

// RecordAuth counts one authentication outcome.
func (e *Emitter) RecordAuth(outcome string) {
	if !e.config.Enabled {
		return
	}
	if c, ok := e.auth[outcome]; ok {
		c.Add(1)
	}
	e.UpdateLastActivity()
}

func decrementClamped(v *atomic.Int64) {
	if v.Add(-1) < 0 {
		v.Store(0)
	}
}

// GetActiveConnections returns the current active connections count
func (e *Emitter) GetActiveConnections() int64 {
	return e.activeConns.Load()
}

// UpdateLastActivity updates the last activity timestamp to now
func (e *Emitter) UpdateLastActivity() {
	if !e.config.Enabled {
		return
	}
	e.lastActivity.Store(time.Now().Unix())
}

// GetLastActivityTime returns the last activity timestamp
func (e *Emitter) GetLastActivityTime() time.Time {
	return time.Unix(e.lastActivity.Load(), 0)
}

// Snapshot returns the current counters without resetting them.
func (e *Emitter) Snapshot() Snapshot {
	s := Snapshot{
		ActiveConnections: e.activeConns.Load(),
		ActiveWebSockets:  e.activeWebSockets.Load(),
		Streams:           e.streams.Load(),
		Auth:              make(map[string]int64, len(e.auth)),
		LastActivity:      e.GetLastActivityTime(),
	}
	for outcome, c := range e.auth {
		s.Auth[outcome] = c.Load()
	}
	return s
}

// emitMetrics sends metrics to CloudWatch. Stream and auth counts are
// per-interval and reset after each emission.
func (e *Emitter) emitMetrics() {
	if !e.config.Enabled {
		return
	}

	now := time.Now()
	dimensions := []types.Dimension{
		{
			Name:  aws.String("NodeName"),
			Value: aws.String(e.config.NodeName),
		},
	}
	datum := func(name string, value int64, unit types.StandardUnit) types.MetricDatum {
		return types.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(value)),
			Unit:       unit,
			Timestamp:  &now,
			Dimensions: dimensions,
		}
	}

	streams := e.streams.Swap(0)
	metricData := []types.MetricDatum{
		datum("ActiveConnections", e.activeConns.Load(), types.StandardUnitCount),
		datum("ActiveWebSocketSessions", e.activeWebSockets.Load(), types.StandardUnitCount),
		datum("Streams", streams, types.StandardUnitCount),
		datum("LastActivityEpochSeconds", e.lastActivity.Load(), types.StandardUnitNone),
	}
	for _, outcome := range authOutcomes {
		metricData = append(metricData, datum("Auth_"+outcome, e.auth[outcome].Swap(0), types.StandardUnitCount))
	}

	e.logger.Debug("Emitting metrics", "streams", streams, "datums", len(metricData))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(e.config.Namespace),
		MetricData: metricData,
	})
	if err != nil {
		// Don't fail the node - graceful degradation
		e.logger.Warn("Failed to emit metrics to CloudWatch", "error", err.Error())
		return
	}

	e.logger.Debug("Metrics emitted successfully")
}
