package ipc

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bitalk/bitalk/internal/agent"
	"github.com/bitalk/bitalk/internal/discovery"
	"github.com/bitalk/bitalk/internal/profile"
	"github.com/bitalk/bitalk/pkg/proximity"
)

// Peer is a nearby peer as seen by a client.
type Peer struct {
	Username       string
	Description    string
	Topics         []string
	MatchingTopics []string
	MatchScore     float64
	RSSI           int
	DistanceMeters float64
	Distance       string
	Class          string
	Address        string
	FirstSeen      time.Time
	LastSeen       time.Time
}

// Status summarizes the running service.
type Status struct {
	Running         bool
	Scanning        bool
	Username        string
	Peers           int
	ScanStarts      int64
	ScanFailures    int64
	ScanRestarts    int64
	ExchangesOK     int64
	ExchangesFailed int64
	DecodeErrors    int64
	Ignored         int64
	Throttled       int64
	DroppedEvents   int64
}

// Profile is the advertised local profile.
type Profile struct {
	Username     string
	Description  string
	Topics       []string
	CustomTopics []string
	ExactMatch   bool
}

func peerFromEntry(e discovery.PeerEntry) Peer {
	return Peer{
		Username:       e.Username,
		Description:    e.Description,
		Topics:         e.Topics,
		MatchingTopics: e.MatchingTopics,
		MatchScore:     e.MatchScore,
		RSSI:           e.LastRSSI,
		DistanceMeters: e.DistanceMeters,
		Distance:       proximity.FormatDistance(e.DistanceMeters),
		Class:          e.DistanceClass().String(),
		Address:        e.LastAddress,
		FirstSeen:      e.FirstSeenAt,
		LastSeen:       e.LastSeenAt,
	}
}

func encodePeers(entries []discovery.PeerEntry) (*structpb.Struct, error) {
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		p := peerFromEntry(e)
		list = append(list, map[string]any{
			"username":        p.Username,
			"description":     p.Description,
			"topics":          stringsToAny(p.Topics),
			"matching_topics": stringsToAny(p.MatchingTopics),
			"match_score":     p.MatchScore,
			"rssi":            p.RSSI,
			"distance_m":      p.DistanceMeters,
			"distance":        p.Distance,
			"class":           p.Class,
			"address":         p.Address,
			"first_seen":      p.FirstSeen.UTC().Format(time.RFC3339Nano),
			"last_seen":       p.LastSeen.UTC().Format(time.RFC3339Nano),
		})
	}
	s, err := structpb.NewStruct(map[string]any{"peers": list})
	if err != nil {
		return nil, fmt.Errorf("encode peers: %w", err)
	}
	return s, nil
}

func decodePeers(s *structpb.Struct) ([]Peer, error) {
	values := s.GetFields()["peers"].GetListValue().GetValues()
	peers := make([]Peer, 0, len(values))
	for i, v := range values {
		m := v.GetStructValue()
		if m == nil {
			return nil, fmt.Errorf("decode peers: entry %d is not an object", i)
		}
		f := fields(m)
		first, err := f.time("first_seen")
		if err != nil {
			return nil, err
		}
		last, err := f.time("last_seen")
		if err != nil {
			return nil, err
		}
		peers = append(peers, Peer{
			Username:       f.str("username"),
			Description:    f.str("description"),
			Topics:         f.strs("topics"),
			MatchingTopics: f.strs("matching_topics"),
			MatchScore:     f.num("match_score"),
			RSSI:           int(f.num("rssi")),
			DistanceMeters: f.num("distance_m"),
			Distance:       f.str("distance"),
			Class:          f.str("class"),
			Address:        f.str("address"),
			FirstSeen:      first,
			LastSeen:       last,
		})
	}
	return peers, nil
}

func encodeStatus(st agent.Stats, p profile.LocalProfile) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"running":          st.Running,
		"scanning":         st.Scanning,
		"username":         p.Username,
		"peers":            st.Peers,
		"scan_starts":      st.ScanStarts,
		"scan_failures":    st.ScanFailures,
		"scan_restarts":    st.ScanRestarts,
		"exchanges_ok":     st.ExchangesOK,
		"exchanges_failed": st.ExchangesFailed,
		"decode_errors":    st.DecodeErrors,
		"ignored":          st.Ignored,
		"throttled":        st.Throttled,
		"dropped_events":   st.DroppedEvents,
	})
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	return s, nil
}

func decodeStatus(s *structpb.Struct) Status {
	f := fields(s)
	return Status{
		Running:         f.boolean("running"),
		Scanning:        f.boolean("scanning"),
		Username:        f.str("username"),
		Peers:           int(f.num("peers")),
		ScanStarts:      int64(f.num("scan_starts")),
		ScanFailures:    int64(f.num("scan_failures")),
		ScanRestarts:    int64(f.num("scan_restarts")),
		ExchangesOK:     int64(f.num("exchanges_ok")),
		ExchangesFailed: int64(f.num("exchanges_failed")),
		DecodeErrors:    int64(f.num("decode_errors")),
		Ignored:         int64(f.num("ignored")),
		Throttled:       int64(f.num("throttled")),
		DroppedEvents:   int64(f.num("dropped_events")),
	}
}

func encodeProfile(p profile.LocalProfile) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"username":      p.Username,
		"description":   p.Description,
		"topics":        stringsToAny(p.Topics),
		"custom_topics": stringsToAny(p.CustomTopics),
		"exact_match":   p.ExactMatchMode,
	})
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	return s, nil
}

func decodeProfile(s *structpb.Struct) Profile {
	f := fields(s)
	return Profile{
		Username:     f.str("username"),
		Description:  f.str("description"),
		Topics:       f.strs("topics"),
		CustomTopics: f.strs("custom_topics"),
		ExactMatch:   f.boolean("exact_match"),
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// fieldReader reads typed values out of a Struct; missing fields read as zero.
type fieldReader map[string]*structpb.Value

func fields(s *structpb.Struct) fieldReader {
	return fieldReader(s.GetFields())
}

func (f fieldReader) str(key string) string {
	return f[key].GetStringValue()
}

func (f fieldReader) num(key string) float64 {
	return f[key].GetNumberValue()
}

func (f fieldReader) boolean(key string) bool {
	return f[key].GetBoolValue()
}

func (f fieldReader) strs(key string) []string {
	values := f[key].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.GetStringValue())
	}
	return out
}

func (f fieldReader) time(key string) (time.Time, error) {
	raw := f.str(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return t, nil
}
