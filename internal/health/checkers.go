package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func newResult(name string, start time.Time) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]any),
	}
}

func (r CheckResult) fail(status Status, message string, err error, start time.Time) CheckResult {
	r.Status = status
	r.Message = message
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(start)
	return r
}

// BusChecker reports the shared bus connection
type BusChecker struct {
	conn bus.Conn
}

// NewBusChecker creates a bus connection checker
func NewBusChecker(conn bus.Conn) *BusChecker {
	return &BusChecker{conn: conn}
}

func (c *BusChecker) Name() string {
	return "bus"
}

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	if r, ok := c.conn.(interface{ Reconnects() int64 }); ok {
		result.Details["reconnects"] = r.Reconnects()
	}
	if !c.conn.IsConnected() {
		return result.fail(StatusUnhealthy, "Bus is disconnected", bus.ErrBrokerUnavailable, start)
	}

	result.Status = StatusHealthy
	result.Message = "Bus is connected"
	result.Duration = time.Since(start)
	return result
}

// PendingCounter reports how many requests wait for a reply
type PendingCounter interface {
	PendingCount() int
}

// PendingChecker degrades as the bridge approaches its pending limit
type PendingChecker struct {
	counter PendingCounter
	limit   int
}

// NewPendingChecker creates a checker against limit. A limit of zero only
// reports the count.
func NewPendingChecker(counter PendingCounter, limit int) *PendingChecker {
	return &PendingChecker{counter: counter, limit: limit}
}

func (c *PendingChecker) Name() string {
	return "pending_requests"
}

func (c *PendingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	n := c.counter.PendingCount()
	result.Details["pending"] = n
	result.Details["limit"] = c.limit

	switch {
	case c.limit > 0 && n >= c.limit:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Pending request limit reached: %d", n)
	case c.limit > 0 && n*5 >= c.limit*4:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High pending request count: %d", n)
	default:
		result.Status = StatusHealthy
		result.Message = "Pending requests are normal"
	}
	result.Duration = time.Since(start)
	return result
}

// RabbitMQChecker checks the RabbitMQ connection by passively declaring
// the bus exchange
type RabbitMQChecker struct {
	transport *rabbitmq.Transport
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(transport *rabbitmq.Transport) *RabbitMQChecker {
	return &RabbitMQChecker{transport: transport}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	conn, err := c.transport.Manager().GetConnection()
	if err != nil {
		return result.fail(StatusUnhealthy, "Failed to get connection", err, start)
	}

	ch, err := conn.Channel()
	if err != nil {
		return result.fail(StatusUnhealthy, "Failed to create channel", err, start)
	}
	defer ch.Close()

	err = ch.ExchangeDeclarePassive(c.transport.Exchange(), "topic", true, false, false, false, nil)
	if err != nil {
		return result.fail(StatusDegraded, "Exchange check failed", err, start)
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["exchange"] = c.transport.Exchange()
	result.Details["channels"] = c.transport.Pool().Size()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RedisChecker pings the tenant cache
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a redis checker. An unreachable cache only
// degrades the portal.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	if err := c.client.Ping(ctx).Err(); err != nil {
		return result.fail(StatusDegraded, "Cache unreachable", err, start)
	}

	result.Status = StatusHealthy
	result.Message = "Cache is reachable"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// MemoryChecker watches heap use and goroutine count
type MemoryChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewMemoryChecker creates a checker with goroutine thresholds
func NewMemoryChecker(warnGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["heap_alloc_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}
	result.Duration = time.Since(start)
	return result
}
