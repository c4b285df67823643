package gtfsrt

import (
	"testing"
	"time"

	gtfsrtpb "github.com/OneBusAway/go-gtfs/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/situation"
)

var now = time.Date(2025, 11, 5, 12, 0, 0, 0, time.UTC)

func unix(t time.Time) *uint64 { return proto.Uint64(uint64(t.Unix())) }

func alertEntity(id string, start *uint64, end *uint64, header string, routes ...string) *gtfsrtpb.FeedEntity {
	alert := &gtfsrtpb.Alert{HeaderText: translated(header)}
	if start != nil || end != nil {
		alert.ActivePeriod = []*gtfsrtpb.TimeRange{{Start: start, End: end}}
	}
	for _, r := range routes {
		alert.InformedEntity = append(alert.InformedEntity, &gtfsrtpb.EntitySelector{RouteId: proto.String(r)})
	}
	return &gtfsrtpb.FeedEntity{Id: proto.String(id), Alert: alert}
}

func encode(t *testing.T, entities ...*gtfsrtpb.FeedEntity) []byte {
	t.Helper()
	b, err := proto.Marshal(&gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           unix(now),
		},
		Entity: entities,
	})
	require.NoError(t, err)
	return b
}

func TestParseAndNormalize(t *testing.T) {
	b := encode(t,
		alertEntity("a1", unix(now.Add(-time.Hour)), unix(now.Add(time.Hour)), "Stop moved", "R1", "R2", "R1"),
		alertEntity("a2", unix(now.Add(time.Hour)), nil, "Works tonight", "R1"),
		alertEntity("a3", nil, unix(now.Add(time.Hour)), "No start", "R1"),
		alertEntity("a4", unix(now), nil, "No routes"),
		alertEntity("a5", unix(now), nil, "Unwatched", "R9"),
	)

	feed, err := Parse(b)
	require.NoError(t, err)
	require.Len(t, feed.Alerts, 5)

	res := feed.Normalize([]string{"R1", "R2"}, now)

	assert.Equal(t, 5, res.Elements)
	assert.Equal(t, 2, res.Dropped)
	assert.Empty(t, res.Defects)

	r1 := res.Situations["R1"]
	require.Len(t, r1, 2, "duplicate informed entities fan out once")
	assert.Equal(t, "a1", r1[0].ID)
	assert.Equal(t, "Stop moved", r1[0].Summary)
	assert.Equal(t, situation.NormalService, r1[0].Description)
	assert.Equal(t, now.Add(-time.Hour), r1[0].ValidityStart)
	require.NotNil(t, r1[0].ValidityEnd)
	assert.Equal(t, now.Add(time.Hour), *r1[0].ValidityEnd)
	assert.Equal(t, situation.SourceGTFSRT, r1[0].Source)
	assert.Nil(t, r1[1].ValidityEnd)

	require.Len(t, res.Situations["R2"], 1)
	assert.NotContains(t, res.Situations, "R9")
}

func TestParse_Garbage(t *testing.T) {
	_, err := Parse([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestNormalize_NilFeed(t *testing.T) {
	var f *Feed
	res := f.Normalize([]string{"R1"}, now)
	assert.Empty(t, res.Situations)
}

func TestExport(t *testing.T) {
	end := now.Add(2 * time.Hour)
	byLine := map[string][]situation.Situation{
		"L1": {
			{LineRef: "L1", ValidityStart: now.Add(-time.Hour), ValidityEnd: &end, Summary: "Tunnel closed", Description: "Use the ferry"},
			{LineRef: "L1", ValidityStart: now.Add(-3 * time.Hour), ValidityEnd: ptr(now.Add(-time.Hour)), Summary: "Old works"},
		},
		"L2": {{LineRef: "L2", ValidityStart: now.Add(time.Hour), Summary: "Track works"}},
	}
	snap := aggregate.BuildFeed(byLine, []string{"L1", "L2", "L3"}, now)

	msg := FeedMessage(snap)
	require.Len(t, msg.Entity, 2, "expired and normal-service entries are not exported")
	assert.Equal(t, "2.0", msg.Header.GetGtfsRealtimeVersion())
	assert.Equal(t, gtfsrtpb.FeedHeader_FULL_DATASET, msg.Header.GetIncrementality())
	assert.Equal(t, uint64(now.Unix()), msg.Header.GetTimestamp())

	first := msg.Entity[0]
	assert.Contains(t, first.GetId(), "L1/Tunnel closed|open|")
	assert.Equal(t, "L1", first.Alert.InformedEntity[0].GetRouteId())
	assert.Equal(t, uint64(end.Unix()), first.Alert.ActivePeriod[0].GetEnd())
	assert.Equal(t, "Use the ferry", first.Alert.DescriptionText.Translation[0].GetText())
	assert.Nil(t, msg.Entity[1].Alert.DescriptionText)

	b, err := Export(snap)
	require.NoError(t, err)

	feed, err := Parse(b)
	require.NoError(t, err)
	res := feed.Normalize([]string{"L1", "L2"}, now)
	require.Len(t, res.Situations["L1"], 1)
	assert.Equal(t, "Tunnel closed", res.Situations["L1"][0].Summary)
	assert.Equal(t, "Use the ferry", res.Situations["L1"][0].Description)
	require.Len(t, res.Situations["L2"], 1)
	assert.Equal(t, situation.Planned, situation.Classify(res.Situations["L2"][0], now))
}

// The parser and the exporter must share one registered transit_realtime
// package, otherwise the binary panics at init.
func TestFeedMessage_SingleRegistration(t *testing.T) {
	mt, err := protoregistry.GlobalTypes.FindMessageByName("transit_realtime.FeedMessage")
	require.NoError(t, err)

	msg := FeedMessage(aggregate.BuildFeed(nil, []string{"L1"}, now))
	assert.Equal(t, mt, msg.ProtoReflect().Type())

	fd, err := protoregistry.GlobalFiles.FindFileByPath("proto/gtfs-realtime.proto")
	require.NoError(t, err)
	assert.Equal(t, fd, msg.ProtoReflect().Descriptor().ParentFile())

	b, err := Export(aggregate.BuildFeed(nil, []string{"L1"}, now))
	require.NoError(t, err)
	feed, err := Parse(b)
	require.NoError(t, err)
	assert.Empty(t, feed.Alerts)
}

func ptr[T any](v T) *T { return &v }
