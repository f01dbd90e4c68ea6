package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// historyAddresses maps the vendor's history register to the live protocol
// code carrying the same quantity, so history rows normalize like status reads.
var historyAddresses = map[string]string{
	"2046": "T02",  // supply
	"2047": "T06",  // tank
	"2048": "T04",  // outdoor
	"2054": "2054", // electrical power
}

const historyTimeLayout = "2006-01-02 15:04:05"

// Frequency returns the vendor resolution for a window of the given length.
func Frequency(window time.Duration) string {
	switch {
	case window <= 72*time.Hour:
		return "day"
	case window <= 168*time.Hour:
		return "week"
	default:
		return "month"
	}
}

type historyPoint struct {
	DateTime string     `json:"dateTime"`
	Value    flexString `json:"addressValue"`
}

// FetchHistory returns one Snapshot per vendor history row in [from, to],
// oldest first. Each row carries the device wall-clock label in LocalTime.
// The four registers are fetched concurrently; any failure fails the call.
func (c *Client) FetchHistory(ctx context.Context, from, to time.Time) ([]telemetry.Snapshot, error) {
	if !to.After(from) {
		return nil, nil
	}

	body := func(address string) map[string]any {
		return map[string]any{
			"deviceCode": c.cfg.DeviceCode,
			"address":    address,
			"startTime":  from.In(c.cfg.Location).Format(historyTimeLayout),
			"endTime":    to.In(c.cfg.Location).Format(historyTimeLayout),
			"frequency":  Frequency(to.Sub(from)),
			"timeZone":   1,
			"sessionid":  "",
		}
	}

	results := make(map[string][]historyPoint, len(historyAddresses))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for address, code := range historyAddresses {
		g.Go(func() error {
			raw, err := c.call(gctx, "/device/snapshot/listCollectData", body(address))
			if err != nil {
				return fmt.Errorf("fetching history %s: %w", address, err)
			}
			points, err := decodeHistory(raw)
			if err != nil {
				return fmt.Errorf("%w: history %s: %w", ErrMalformed, address, err)
			}
			mu.Lock()
			results[code] = points
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeHistory(results, c.cfg.Location), nil
}

func decodeHistory(raw json.RawMessage) ([]historyPoint, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var obj struct {
		ValueList []historyPoint `json:"valueList"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		// An empty window is sometimes sent as an empty list.
		var list []json.RawMessage
		if json.Unmarshal(raw, &list) == nil && len(list) == 0 {
			return nil, nil
		}
		return nil, err
	}
	return obj.ValueList, nil
}

type rowKey struct {
	label string
	// n counts earlier rows with the same label from the same register.
	n int
}

// mergeHistory joins per-code points on their wall-clock label. On the
// fall-back day the vendor sends the repeated hour twice; the second row is
// kept as its own snapshot stamped with the later instant. Any other
// repeated label keeps the first row.
func mergeHistory(byCode map[string][]historyPoint, loc *time.Location) []telemetry.Snapshot {
	rows := make(map[rowKey]map[string]string)
	for code, points := range byCode {
		seen := make(map[string]int)
		for _, p := range points {
			if p.DateTime == "" {
				continue
			}
			key := rowKey{label: p.DateTime, n: seen[p.DateTime]}
			seen[p.DateTime]++
			row, ok := rows[key]
			if !ok {
				row = make(map[string]string)
				rows[key] = row
			}
			row[code] = string(p.Value)
		}
	}

	keys := make([]rowKey, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	// Labels share one layout, so lexical order is chronological.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].label != keys[j].label {
			return keys[i].label < keys[j].label
		}
		return keys[i].n < keys[j].n
	})

	snaps := make([]telemetry.Snapshot, 0, len(keys))
	for _, key := range keys {
		snap := telemetry.Snapshot{LocalTime: key.label, Values: rows[key]}
		if key.n > 0 {
			if key.n > 1 {
				continue
			}
			early, err1 := telemetry.ParseLocalTime(key.label, loc)
			late, err2 := telemetry.ParseLaterLocalTime(key.label, loc)
			if err1 != nil || err2 != nil || !late.After(early) {
				continue
			}
			snap.ObservedAt = late
		}
		snaps = append(snaps, snap)
	}
	return snaps
}
