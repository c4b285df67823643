package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sxwatch.onebusaway.org/internal/changes"
	"sxwatch.onebusaway.org/internal/situation"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var at = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "sx-changes"}

	events := []changes.Event{
		{ID: "e1", LineRef: "SKY:Line:1", Direction: changes.Appeared, Status: situation.Active, Summary: "Tunnel closed", At: at},
		{ID: "e2", LineRef: "SKY:Line:2", Direction: changes.Disappeared, Status: situation.Planned, Summary: "Works", At: at},
	}
	require.NoError(t, sink.Publish(context.Background(), events))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "SKY:Line:1", string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)
	require.Len(t, w.msgs[1].Headers, 1)
	assert.Equal(t, "disappeared", string(w.msgs[1].Headers[0].Value))

	got, err := ParseEvent(w.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, events[0].ID, got.ID)
	assert.Equal(t, situation.Active, got.Status)
	assert.Equal(t, "Tunnel closed", got.Summary)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_EmptyBatch(t *testing.T) {
	w := &fakeWriter{err: errors.New("must not be called")}
	sink := &KafkaSink{writer: w, topic: "sx-changes"}
	assert.NoError(t, sink.Publish(context.Background(), nil))
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	sink := &KafkaSink{writer: w, topic: "sx-changes"}

	err := sink.Publish(context.Background(), []changes.Event{{ID: "e1", LineRef: "L1", At: at}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sx-changes")
	assert.Contains(t, err.Error(), "leader not available")
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	sink, err := NewKafkaSink([]string{"localhost:9092"}, "sx-changes")
	require.NoError(t, err)
	assert.NotNil(t, sink)
}

func TestKafkaSink_ImplementsSink(t *testing.T) {
	var _ changes.Sink = (*KafkaSink)(nil)
}
