package gtfsrt

import (
	"fmt"

	gtfsrtpb "github.com/OneBusAway/go-gtfs/proto"
	"google.golang.org/protobuf/proto"

	"sxwatch.onebusaway.org/internal/aggregate"
	"sxwatch.onebusaway.org/internal/changes"
	"sxwatch.onebusaway.org/internal/situation"
)

const realtimeVersion = "2.0"

// FeedMessage converts the active and planned disruptions of snap into an
// alerts feed. Synthetic and expired entries are left out.
func FeedMessage(snap aggregate.FeedSnapshot) *gtfsrtpb.FeedMessage {
	msg := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String(realtimeVersion),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(snap.GeneratedAt.Unix())),
		},
	}

	for _, ls := range snap.Ordered() {
		for _, s := range ls.Situations {
			if s.IsSynthetic() || s.Status == situation.Expired {
				continue
			}
			msg.Entity = append(msg.Entity, &gtfsrtpb.FeedEntity{
				Id:    proto.String(ls.LineRef + "/" + changes.Key(s)),
				Alert: alertFor(s),
			})
		}
	}
	return msg
}

func alertFor(s situation.Situation) *gtfsrtpb.Alert {
	period := &gtfsrtpb.TimeRange{Start: proto.Uint64(uint64(s.ValidityStart.Unix()))}
	if s.ValidityEnd != nil {
		period.End = proto.Uint64(uint64(s.ValidityEnd.Unix()))
	}
	alert := &gtfsrtpb.Alert{
		ActivePeriod:   []*gtfsrtpb.TimeRange{period},
		InformedEntity: []*gtfsrtpb.EntitySelector{{RouteId: proto.String(s.LineRef)}},
		HeaderText:     translated(s.Summary),
	}
	if s.Description != "" && s.Description != situation.NormalService {
		alert.DescriptionText = translated(s.Description)
	}
	return alert
}

func translated(text string) *gtfsrtpb.TranslatedString {
	return &gtfsrtpb.TranslatedString{
		Translation: []*gtfsrtpb.TranslatedString_Translation{{Text: proto.String(text)}},
	}
}

// Export encodes the alerts feed for snap as protobuf.
func Export(snap aggregate.FeedSnapshot) ([]byte, error) {
	b, err := proto.Marshal(FeedMessage(snap))
	if err != nil {
		return nil, fmt.Errorf("failed to encode GTFS-RT alerts: %w", err)
	}
	return b, nil
}
