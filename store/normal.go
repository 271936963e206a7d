package store

import (
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"okgate/logger"
	"okgate/pipeline"
)

// NormalWrite persists every non-candle table using one of four shapes,
// dispatched by table name, first match wins:
//
//	/trade, /order, /order_algo  id-ordered collection capped at MaxLength
//	spot/account                 one record per currency
//	futures/account              one record per account field
//	futures/instruments          full-replace instrument catalog
//	(default)                    one record per instrument id
var NormalWrite pipeline.Interceptor = pipeline.Funcs{OnEnter: normalWrite}

// NormalRead mirrors NormalWrite for queries.
var NormalRead pipeline.Interceptor = pipeline.Funcs{OnEnter: normalRead}

// orderedTables maps the id-ordered table suffixes to their unique id
// field. Slice order is the dispatch order.
var orderedTables = []struct {
	suffix  string
	idField string
}{
	{"/trade", "trade_id"},
	{"/order", "order_id"},
	{"/order_algo", "algo_id"},
}

func orderedIDField(table string) (string, bool) {
	for _, o := range orderedTables {
		if len(table) >= len(o.suffix) && table[len(table)-len(o.suffix):] == o.suffix {
			return o.idField, true
		}
	}
	return "", false
}

func normalWrite(ctx *pipeline.Context) error {
	if ctx.Response != nil {
		return nil
	}
	table, _ := ctx.Data["table"].(string)
	if table == "" || isCandleTable(table) {
		return nil
	}
	items, _ := ctx.Data["data"].([]any)
	log := logger.GetLogger().WithComponent("normal_store").WithFields(logger.Fields{"table": table})

	var err error
	switch {
	case hasOrderedSuffix(table):
		err = writeOrdered(ctx, table, items)
	case table == "spot/account":
		err = writeSubKeyed(ctx, table, items, "currency")
	case table == "futures/account":
		err = writeAccountFields(ctx, table, items)
	case table == "futures/instruments":
		err = writeCatalog(ctx, table, items)
	default:
		err = writeByInstrument(ctx, table, items, log)
	}
	if err != nil {
		return err
	}
	pipeline.AppendResponse(ctx, true)
	return nil
}

func hasOrderedSuffix(table string) bool {
	_, ok := orderedIDField(table)
	return ok
}

// writeOrdered stores records under an id-sorted index capped at
// MaxLength.
func writeOrdered(ctx *pipeline.Context, table string, items []any) error {
	idField, _ := orderedIDField(table)
	key := Key(ctx.Name, table)
	log := logger.GetLogger().WithComponent("normal_store").WithFields(logger.Fields{"table": table})

	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := rec[idField].(string)
		score, err := strconv.ParseFloat(id, 64)
		if err != nil {
			log.WithFields(logger.Fields{"id_field": idField, "record": rec}).Warn("record id missing or not numeric")
			continue
		}
		if err := ctx.Store.ZAdd(ctx.Ctx, key, redis.Z{Score: score, Member: id}).Err(); err != nil {
			return err
		}
		if err := trimIndex(ctx, key); err != nil {
			return err
		}
		if err := ctx.Store.HSet(ctx.Ctx, key+"/"+id, recordFields(rec)).Err(); err != nil {
			return err
		}
		logger.IncrementStoreWrite()
	}
	return nil
}

// writeSubKeyed stores one record per value of the given sub-key field.
func writeSubKeyed(ctx *pipeline.Context, table string, items []any, field string) error {
	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		sub, _ := rec[field].(string)
		if sub == "" {
			continue
		}
		if err := ctx.Store.HSet(ctx.Ctx, Key(ctx.Name, table, sub), recordFields(rec)).Err(); err != nil {
			return err
		}
		logger.IncrementStoreWrite()
	}
	return nil
}

// writeAccountFields stores one record per account field; each item is
// a map of field name to sub-record.
func writeAccountFields(ctx *pipeline.Context, table string, items []any) error {
	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for field, v := range rec {
			sub, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if err := ctx.Store.HSet(ctx.Ctx, Key(ctx.Name, table, field), recordFields(sub)).Err(); err != nil {
				return err
			}
			logger.IncrementStoreWrite()
		}
	}
	return nil
}

// writeCatalog clears and fully rewrites the instrument catalog. The
// first data item is the instrument array.
func writeCatalog(ctx *pipeline.Context, table string, items []any) error {
	key := Key(ctx.Name, table)

	old, err := ctx.Store.Keys(ctx.Ctx, key+"*").Result()
	if err != nil {
		return err
	}
	if len(old) > 0 {
		if err := ctx.Store.Del(ctx.Ctx, old...).Err(); err != nil {
			return err
		}
	}

	if len(items) == 0 {
		return nil
	}
	instruments, _ := items[0].([]any)
	for _, item := range instruments {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		instID, _ := rec["instrument_id"].(string)
		if instID == "" {
			continue
		}
		if err := ctx.Store.SAdd(ctx.Ctx, key, instID).Err(); err != nil {
			return err
		}
		if err := ctx.Store.HSet(ctx.Ctx, key+"/"+instID, recordFields(rec)).Err(); err != nil {
			return err
		}
		logger.IncrementStoreWrite()
	}
	return nil
}

// writeByInstrument is the default shape: one record per instrument id.
func writeByInstrument(ctx *pipeline.Context, table string, items []any, log *logger.Entry) error {
	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		instID, _ := rec["instrument_id"].(string)
		if instID == "" {
			log.WithFields(logger.Fields{"record": rec}).Error("no storage shape for record")
			continue
		}
		if err := ctx.Store.HSet(ctx.Ctx, Key(ctx.Name, table, instID), recordFields(rec)).Err(); err != nil {
			return err
		}
		logger.IncrementStoreWrite()
	}
	return nil
}

func normalRead(ctx *pipeline.Context) error {
	if ctx.Response != nil || ctx.Path == "" || isCandleTable(ctx.Path) {
		return nil
	}

	switch {
	case hasOrderedSuffix(ctx.Path):
		return readOrdered(ctx)
	case ctx.Path == "spot/account":
		return readSubKeyed(ctx, "currency")
	case ctx.Path == "futures/instruments":
		return readCatalog(ctx)
	default:
		return readByInstrument(ctx)
	}
}

func readOrdered(ctx *pipeline.Context) error {
	key := Key(ctx.Name, ctx.Path)
	start, err := rangeStart(ctx, key)
	if err != nil {
		return err
	}
	ids, err := ctx.Store.ZRange(ctx.Ctx, key, start, -1).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := ctx.Store.HGetAll(ctx.Ctx, key+"/"+id).Result()
		if err != nil {
			return err
		}
		pipeline.AppendResponse(ctx, rec)
	}
	return nil
}

func readSubKeyed(ctx *pipeline.Context, field string) error {
	sub, _ := ctx.Values[field].(string)
	if sub == "" {
		return fmt.Errorf("%s is required for %s", field, ctx.Path)
	}
	rec, err := ctx.Store.HGetAll(ctx.Ctx, Key(ctx.Name, ctx.Path, sub)).Result()
	if err != nil {
		return err
	}
	pipeline.AppendResponse(ctx, rec)
	return nil
}

func readCatalog(ctx *pipeline.Context) error {
	key := Key(ctx.Name, ctx.Path)
	ids, err := ctx.Store.SMembers(ctx.Ctx, key).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := ctx.Store.HGetAll(ctx.Ctx, key+"/"+id).Result()
		if err != nil {
			return err
		}
		pipeline.AppendResponse(ctx, rec)
	}
	return nil
}

func readByInstrument(ctx *pipeline.Context) error {
	instID, _ := ctx.Values["instrument_id"].(string)
	if instID == "" {
		return fmt.Errorf("instrument_id is required for %s", ctx.Path)
	}
	rec, err := ctx.Store.HGetAll(ctx.Ctx, Key(ctx.Name, ctx.Path, instID)).Result()
	if err != nil {
		return err
	}
	pipeline.AppendResponse(ctx, rec)
	return nil
}

// WriteInterceptors is the storage sub-pipeline in dispatch order.
func WriteInterceptors() []pipeline.Interceptor {
	return []pipeline.Interceptor{CandleWrite, NormalWrite}
}

// ReadInterceptors is the query pipeline in dispatch order.
func ReadInterceptors() []pipeline.Interceptor {
	return []pipeline.Interceptor{CandleRead, NormalRead}
}
