package geo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haulkind/dispatch-engine/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisGeo{client: client, key: key}
}

// Connect builds a client from either a redis:// URL or a host:port address.
func Connect(addr, password string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if password != "" {
			opt.Password = password
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: password}), nil
}

func (r *RedisGeo) Upsert(ctx context.Context, loc models.DriverLocation) error {
	at := loc.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.DriverID})
		p.HSet(ctx, metaKey(loc.DriverID), "updated", at.UTC().Format(time.RFC3339))
		return nil
	})
	return err
}

func (r *RedisGeo) Positions(ctx context.Context, driverIDs []string) (map[string]models.Coord, error) {
	out := make(map[string]models.Coord, len(driverIDs))
	if len(driverIDs) == 0 {
		return out, nil
	}
	res, err := r.client.GeoPos(ctx, r.key, driverIDs...).Result()
	if err != nil {
		return nil, err
	}
	for i, pos := range res {
		if pos == nil {
			continue
		}
		out[driverIDs[i]] = models.Coord{Lat: pos.Latitude, Lon: pos.Longitude}
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
