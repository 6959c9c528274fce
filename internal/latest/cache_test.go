package latest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"solartracker/solarsync/internal/model"
)

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryKV) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewStatusResult("", m.err)
	}
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryKV) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewStringResult("", m.err)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func TestPutGet(t *testing.T) {
	kv := newMemoryKV()
	c := newCache(kv, 10*time.Minute)
	ctx := context.Background()

	energy := 1250.5
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	in := Entry{Name: "Solar Unit A", UnitID: "esp32-01", ReceivedAt: at, Telemetry: model.Telemetry{Name: "Solar Unit A", EnergyWh: &energy}}

	if err := c.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ttl := kv.ttls[keyPrefix+"Solar Unit A"]; ttl != 10*time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	got, err := c.Get(ctx, " Solar Unit A ")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UnitID != "esp32-01" || !got.ReceivedAt.Equal(at) || got.Telemetry.EnergyWh == nil || *got.Telemetry.EnergyWh != energy {
		t.Fatalf("Get = %+v", got)
	}
}

func TestGetMiss(t *testing.T) {
	c := newCache(newMemoryKV(), time.Minute)
	if _, err := c.Get(context.Background(), "nobody"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get = %v, want ErrMiss", err)
	}
}

func TestPutRejectsBlankName(t *testing.T) {
	c := newCache(newMemoryKV(), time.Minute)
	if err := c.Put(context.Background(), Entry{Name: "  "}); err == nil {
		t.Fatalf("Put accepted a blank name")
	}
}

func TestBackendErrorsAreWrapped(t *testing.T) {
	kv := newMemoryKV()
	kv.err = errors.New("connection refused")
	c := newCache(kv, time.Minute)

	if err := c.Put(context.Background(), Entry{Name: "Unit A"}); !errors.Is(err, kv.err) {
		t.Fatalf("Put = %v", err)
	}
	if _, err := c.Get(context.Background(), "Unit A"); !errors.Is(err, kv.err) || errors.Is(err, ErrMiss) {
		t.Fatalf("Get = %v", err)
	}
}

func TestDialRejectsEmptyAddr(t *testing.T) {
	if _, err := Dial(context.Background(), " ", "", time.Minute); err == nil {
		t.Fatalf("Dial accepted an empty address")
	}
}
