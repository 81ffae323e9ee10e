package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

type countingPublisher struct {
	changes, alerts, cycles int
}

func (c *countingPublisher) PublishTierChange(context.Context, domain.TierChange) { c.changes++ }
func (c *countingPublisher) PublishAlert(context.Context, domain.Alert)           { c.alerts++ }
func (c *countingPublisher) PublishCycle(context.Context, domain.CycleSummary)    { c.cycles++ }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingPublisher{}, &countingPublisher{}
	m := NewMulti(a, nil, b)
	require.Len(t, m, 2)

	ctx := context.Background()
	m.PublishTierChange(ctx, domain.TierChange{})
	m.PublishAlert(ctx, domain.Alert{})
	m.PublishAlert(ctx, domain.Alert{})
	m.PublishCycle(ctx, domain.CycleSummary{})

	for _, p := range []*countingPublisher{a, b} {
		assert.Equal(t, 1, p.changes)
		assert.Equal(t, 2, p.alerts)
		assert.Equal(t, 1, p.cycles)
	}
}

func TestAnomalyKeys(t *testing.T) {
	ts := time.Unix(1700000000, 5)
	assert.Equal(t, "anomaly:192.168.0.2:1700000000000000005", AnomalyKey("192.168.0.2", ts))
	assert.NotEqual(t, AnomalyKey("192.168.0.2", ts), AnomalyKey("192.168.0.2", ts.Add(time.Millisecond)),
		"alerts raised within one second keep separate keys")
	assert.Equal(t, "anomaly_list:192.168.0.2", AnomalyListKey("192.168.0.2"))
}

// indexedAlerts answers the two reads RecentAnomalies performs.
type indexedAlerts struct {
	redis.Cmdable
	keys   []string
	values []any
	stops  []int64
}

func (f *indexedAlerts) ZRevRange(_ context.Context, _ string, _, stop int64) *redis.StringSliceCmd {
	f.stops = append(f.stops, stop)
	return redis.NewStringSliceResult(f.keys, nil)
}

func (f *indexedAlerts) MGet(_ context.Context, _ ...string) *redis.SliceCmd {
	return redis.NewSliceResult(f.values, nil)
}

func TestRedisRecentAnomalies(t *testing.T) {
	newer, err := json.Marshal(domain.Alert{IP: "192.168.0.2", Recent: 900000, Timestamp: time.Unix(1700000060, 0).UTC()})
	require.NoError(t, err)
	older, err := json.Marshal(domain.Alert{IP: "192.168.0.2", Recent: 700000, Timestamp: time.Unix(1700000000, 0).UTC()})
	require.NoError(t, err)

	fake := &indexedAlerts{
		keys:   []string{"anomaly:192.168.0.2:3", "anomaly:192.168.0.2:2", "anomaly:192.168.0.2:1", "anomaly:192.168.0.2:0"},
		values: []any{string(newer), nil, "{broken", string(older)},
	}
	log := NewRedisAnomalyLog(fake, time.Hour, nil)

	alerts, err := log.RecentAnomalies(context.Background(), "192.168.0.2", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 2, "expired and malformed entries are skipped")
	assert.Equal(t, uint64(900000), alerts[0].Recent)
	assert.Equal(t, uint64(700000), alerts[1].Recent)
	assert.Equal(t, []int64{defaultAnomalyList - 1}, fake.stops)

	_, err = log.RecentAnomalies(context.Background(), "192.168.0.2", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(4), fake.stops[1])
}

func TestRedisRecentAnomaliesEmptyIndex(t *testing.T) {
	log := NewRedisAnomalyLog(&indexedAlerts{}, time.Hour, nil)
	alerts, err := log.RecentAnomalies(context.Background(), "192.168.0.2", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRedisPublishAlertSwallowsErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	log := NewRedisAnomalyLog(client, 0, nil)
	assert.Equal(t, DefaultAnomalyTTL, log.ttl)

	start := time.Now()
	log.PublishAlert(context.Background(), domain.Alert{IP: "192.168.0.2", Timestamp: time.Now()})
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Error(t, log.StoreAnomaly(context.Background(), domain.Alert{IP: "192.168.0.2"}))
	_, err := log.RecentAnomalies(context.Background(), "192.168.0.2", 10)
	assert.Error(t, err)
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTT implements the publish side of mqtt.Client; other methods panic.
type fakeMQTT struct {
	mqtt.Client

	mu           sync.Mutex
	messages     []published
	disconnected bool
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakeMQTT) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func TestMQTTPublisherTopics(t *testing.T) {
	client := &fakeMQTT{}
	p := NewMQTTPublisher(client, "home/sba/", nil)
	ctx := context.Background()

	p.PublishTierChange(ctx, domain.TierChange{IP: "192.168.0.2", From: domain.TierNormal, To: domain.TierLow, Source: "auto"})
	p.PublishAlert(ctx, domain.Alert{IP: "192.168.0.2", Recent: 450000})
	p.PublishCycle(ctx, domain.CycleSummary{Flushed: 3})

	client.mu.Lock()
	msgs := append([]published(nil), client.messages...)
	client.mu.Unlock()

	require.Len(t, msgs, 2, "cycles are not forwarded")
	assert.Equal(t, "home/sba/tier", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.Equal(t, "home/sba/alert", msgs[1].topic)

	var change domain.TierChange
	require.NoError(t, json.Unmarshal(msgs[0].payload, &change))
	assert.Equal(t, domain.TierLow, change.To)
	assert.Equal(t, "auto", change.Source)

	p.Close()
	assert.True(t, client.disconnected)
}

func TestMQTTDefaultTopic(t *testing.T) {
	client := &fakeMQTT{}
	NewMQTTPublisher(client, "", nil).PublishAlert(context.Background(), domain.Alert{})
	require.Len(t, client.messages, 1)
	assert.Equal(t, "sba/alert", client.messages[0].topic)
}

func TestConnectMQTTRequiresBroker(t *testing.T) {
	_, err := ConnectMQTT("", "sba", "", nil)
	assert.Error(t, err)
}

var (
	_ port.EventPublisher = (*countingPublisher)(nil)
	_ mqtt.Client         = (*fakeMQTT)(nil)
)
