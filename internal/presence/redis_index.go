package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands. Metadata lives in a
// hash per driver and last-seen times in a sorted set used by the sweep.
type RedisIndex struct {
	client  *redis.Client
	geoKey  string
	seenKey string
}

func NewRedisIndex(client *redis.Client, geoKey string) *RedisIndex {
	return &RedisIndex{client: client, geoKey: geoKey, seenKey: geoKey + ":seen"}
}

func metaKey(id string) string { return "driver:presence:" + id }

func (r *RedisIndex) Upsert(ctx context.Context, p models.DriverPresence) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.DriverID})
		pipe.HSet(ctx, metaKey(p.DriverID), map[string]interface{}{
			"vehicle_type":     string(p.VehicleType),
			"profile_complete": strconv.FormatBool(p.ProfileComplete),
			"account_status":   string(p.AccountStatus),
			"on_duty":          strconv.FormatBool(p.OnDuty),
			"last_seen":        strconv.FormatInt(p.LastSeen.UnixMilli(), 10),
			"lat":              strconv.FormatFloat(p.Loc.Lat, 'f', -1, 64),
			"lon":              strconv.FormatFloat(p.Loc.Lon, 'f', -1, 64),
		})
		pipe.ZAdd(ctx, r.seenKey, redis.Z{Score: float64(p.LastSeen.UnixMilli()), Member: p.DriverID})
		return nil
	})
	return apperr.Transient("presence upsert", err)
}

func (r *RedisIndex) Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, false, apperr.Transient("presence get", err)
	}
	if len(m) == 0 {
		return models.DriverPresence{}, false, nil
	}
	return fromHash(driverID, m), true, nil
}

func fromHash(id string, m map[string]string) models.DriverPresence {
	p := models.DriverPresence{
		DriverID:      id,
		VehicleType:   models.VehicleType(m["vehicle_type"]),
		AccountStatus: models.AccountStatus(m["account_status"]),
	}
	p.ProfileComplete, _ = strconv.ParseBool(m["profile_complete"])
	p.OnDuty, _ = strconv.ParseBool(m["on_duty"])
	if ms, err := strconv.ParseInt(m["last_seen"], 10, 64); err == nil {
		p.LastSeen = time.UnixMilli(ms).UTC()
	}
	p.Loc.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	p.Loc.Lon, _ = strconv.ParseFloat(m["lon"], 64)
	return p
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.geoKey, driverID)
		pipe.ZRem(ctx, r.seenKey, driverID)
		pipe.Del(ctx, metaKey(driverID))
		return nil
	})
	return apperr.Transient("presence remove", err)
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, apperr.Transient("presence geosearch", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range res {
			cmds[i] = pipe.HGetAll(ctx, metaKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Transient("presence metadata", err)
	}

	out := make([]Candidate, 0, len(res))
	for i, g := range res {
		m := cmds[i].Val()
		if len(m) == 0 {
			// geo member without metadata: the entry was removed mid-query
			continue
		}
		out = append(out, Candidate{DriverPresence: fromHash(g.Name, m), DistanceMeters: g.Dist})
	}
	return out, nil
}

var sweepOne = redis.NewScript(`
local s = redis.call('ZSCORE', KEYS[2], ARGV[1])
if s and tonumber(s) < tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('DEL', KEYS[3])
  return 1
end
return 0
`)

// Sweep removes stale drivers one at a time so a driver refreshed between the
// range scan and the removal survives.
func (r *RedisIndex) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	cut := cutoff.UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, r.seenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cut, 10),
	}).Result()
	if err != nil {
		return 0, apperr.Transient("presence sweep scan", err)
	}
	removed := 0
	for _, id := range ids {
		n, err := sweepOne.Run(ctx, r.client, []string{r.geoKey, r.seenKey, metaKey(id)}, id, cut).Int()
		if err != nil {
			return removed, apperr.Transient("presence sweep", err)
		}
		removed += n
	}
	return removed, nil
}

func (r *RedisIndex) Count(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.seenKey).Result()
	if err != nil {
		return 0, apperr.Transient("presence count", err)
	}
	return int(n), nil
}
