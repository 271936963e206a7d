package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"okgate/logger"
	"okgate/models"
	"okgate/pipeline"
)

// MaxLength caps every ordered index; oldest entries are evicted first.
const MaxLength = 1000

// CandleWrite persists OHLCV buckets: a per-instrument sorted index of
// timestamps plus one record hash per bucket. When a new timestamp
// opens, the previous bucket is final and a notification is published
// on the index key.
var CandleWrite pipeline.Interceptor = pipeline.Funcs{OnEnter: candleWrite}

// CandleRead mirrors CandleWrite: the most recent n buckets (default
// all) in ascending timestamp order, appended to the response.
var CandleRead pipeline.Interceptor = pipeline.Funcs{OnEnter: candleRead}

func isCandleTable(table string) bool {
	return strings.Contains(table, "candle")
}

func candleWrite(ctx *pipeline.Context) error {
	if ctx.Response != nil {
		return nil
	}
	table, _ := ctx.Data["table"].(string)
	if !isCandleTable(table) {
		return nil
	}
	items, _ := ctx.Data["data"].([]any)
	log := logger.GetLogger().WithComponent("candle_store").WithFields(logger.Fields{"table": table})

	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			log.WithFields(logger.Fields{"item": item}).Warn("unexpected candle item shape")
			continue
		}
		values, _ := rec["candle"].([]any)
		candle := models.CandleMap(values)
		instID, _ := rec["instrument_id"].(string)
		ts := candle["timestamp"]
		if instID == "" || ts == "" {
			log.WithFields(logger.Fields{"item": rec}).Warn("candle item missing instrument_id or timestamp")
			continue
		}
		dt, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"timestamp": ts}).Warn("bad candle timestamp")
			continue
		}

		key := Key(ctx.Name, table, instID)
		if err := notifyIfNewBucket(ctx, key, ts); err != nil {
			log.WithError(err).Warn("bucket finalize notification failed")
		}

		if err := ctx.Store.ZAdd(ctx.Ctx, key, redis.Z{Score: float64(dt.UnixMilli()) / 1e3, Member: ts}).Err(); err != nil {
			return err
		}
		if err := trimIndex(ctx, key); err != nil {
			return err
		}
		if err := ctx.Store.HSet(ctx.Ctx, key+"/"+ts, candle).Err(); err != nil {
			return err
		}
		logger.IncrementStoreWrite()
	}

	pipeline.AppendResponse(ctx, true)
	return nil
}

// notifyIfNewBucket publishes the last stored bucket on the index key
// when ts opens a new bucket, signaling its OHLCV values are immutable.
func notifyIfNewBucket(ctx *pipeline.Context, key, ts string) error {
	err := ctx.Store.ZScore(ctx.Ctx, key, ts).Err()
	if err == nil {
		return nil // same bucket still accumulating
	}
	if err != redis.Nil {
		return err
	}
	card, err := ctx.Store.ZCard(ctx.Ctx, key).Result()
	if err != nil || card == 0 {
		return err
	}
	last, err := ctx.Store.ZRange(ctx.Ctx, key, card-1, card-1).Result()
	if err != nil || len(last) == 0 {
		return err
	}
	prev, err := ctx.Store.HGetAll(ctx.Ctx, key+"/"+last[0]).Result()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{"candle": prev, "timestamp": last[0]})
	if err != nil {
		return err
	}
	if err := ctx.Store.Publish(ctx.Ctx, key, string(payload)).Err(); err != nil {
		return err
	}
	logger.IncrementStorePublish(len(payload))
	return nil
}

// trimIndex evicts the oldest entries so the index never exceeds
// MaxLength.
func trimIndex(ctx *pipeline.Context, key string) error {
	card, err := ctx.Store.ZCard(ctx.Ctx, key).Result()
	if err != nil {
		return err
	}
	if card > MaxLength {
		return ctx.Store.ZRemRangeByRank(ctx.Ctx, key, 0, card-MaxLength-1).Err()
	}
	return nil
}

func candleRead(ctx *pipeline.Context) error {
	if ctx.Response != nil || !isCandleTable(ctx.Path) {
		return nil
	}
	instID, _ := ctx.Values["instrument_id"].(string)
	if instID == "" {
		return fmt.Errorf("instrument_id is required for %s", ctx.Path)
	}

	key := Key(ctx.Name, ctx.Path, instID)
	start, err := rangeStart(ctx, key)
	if err != nil {
		return err
	}
	timestamps, err := ctx.Store.ZRange(ctx.Ctx, key, start, -1).Result()
	if err != nil {
		return err
	}
	for _, ts := range timestamps {
		candle, err := ctx.Store.HGetAll(ctx.Ctx, key+"/"+ts).Result()
		if err != nil {
			return err
		}
		pipeline.AppendResponse(ctx, candle)
	}
	return nil
}

// rangeStart computes the ZRange start index honoring the optional n
// (most recent n records) parameter.
func rangeStart(ctx *pipeline.Context, key string) (int64, error) {
	n, ok := intValue(ctx.Values["n"])
	if !ok || n <= 0 {
		return 0, nil
	}
	card, err := ctx.Store.ZCard(ctx.Ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n < card {
		return card - n, nil
	}
	return 0, nil
}

func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// recordFields stringifies record values for HSET. Nested structures
// are stored as JSON text.
func recordFields(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch s := v.(type) {
		case string:
			out[k] = s
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(v)
			if err != nil {
				out[k] = fmt.Sprint(v)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
