// Package normalizer turns raw venue events from either channel into canonical executions.
// It checks shape and validity only; business policy lives in the ledger engine.
package normalizer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"tradeledger/internal/model"
	"tradeledger/pkg/logger"
)

// aliases lists the accepted names per canonical field, canonical name first.
// Dotted names address nested objects (accountId.id).
var aliases = map[string][]string{
	"ExecutionID":       {"ExecutionID", "execId"},
	"OrderID":           {"OrderID", "orderId"},
	"Account":           {"Account", "account", "accountId.id", "accountId"},
	"Symbol":            {"Symbol", "instrumentId.symbol", "symbol"},
	"Side":              {"Side", "side"},
	"Quantity":          {"Quantity", "orderQty"},
	"Price":             {"Price", "price"},
	"FilledQty":         {"FilledQty", "cumQty"},
	"LastQty":           {"LastQty", "lastQty"},
	"LastPx":            {"LastPx", "lastPx"},
	"EventTimestampUTC": {"EventTimestampUTC", "TimestampUTC", "transactTime"},
	"Status":            {"Status", "ordStatus", "status"},
	"ExecutionType":     {"ExecutionType", "execType"},
	"CancelReason":      {"CancelReason", "text"},
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"20060102-15:04:05.000",
	"20060102-15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

// Rejected pairs a raw event with the reason it was refused.
type Rejected struct {
	Event model.RawEvent
	Err   *model.ValidationError
}

// Normalize converts one raw event. The returned error is always a *model.ValidationError.
func Normalize(raw model.RawEvent) (model.Execution, error) {
	f := fields(raw.Fields)

	var e model.Execution
	var err error

	if e.OrderID, err = f.requiredString("OrderID"); err != nil {
		return model.Execution{}, err
	}
	if e.Account, err = f.requiredString("Account"); err != nil {
		return model.Execution{}, err
	}
	if e.Symbol, err = f.requiredString("Symbol"); err != nil {
		return model.Execution{}, err
	}

	side, err := f.requiredString("Side")
	if err != nil {
		return model.Execution{}, err
	}
	if e.Side, err = parseSide(side); err != nil {
		return model.Execution{}, err
	}

	if e.Quantity, err = f.requiredInt("Quantity"); err != nil {
		return model.Execution{}, err
	}
	if e.Quantity <= 0 {
		return model.Execution{}, invalid("Quantity", "must be greater than zero")
	}
	if e.FilledQty, err = f.requiredInt("FilledQty"); err != nil {
		return model.Execution{}, err
	}
	if e.FilledQty < 0 || e.FilledQty > e.Quantity {
		return model.Execution{}, invalid("FilledQty", "must be within [0, Quantity]")
	}

	if e.Price, err = f.dec("Price"); err != nil {
		return model.Execution{}, err
	}
	if e.Price.IsNegative() {
		return model.Execution{}, invalid("Price", "must not be negative")
	}

	ts, ok := f.lookup("EventTimestampUTC")
	if !ok {
		return model.Execution{}, invalid("EventTimestampUTC", "missing")
	}
	if e.EventTimestampUTC, err = ParseTimestamp(ts); err != nil {
		return model.Execution{}, invalid("EventTimestampUTC", err.Error())
	}

	status, err := f.requiredString("Status")
	if err != nil {
		return model.Execution{}, err
	}
	e.Status = model.ExecStatus(strings.ToUpper(status))
	if !e.Status.Valid() {
		return model.Execution{}, invalid("Status", "unknown status "+status)
	}

	if execType, ok := f.str("ExecutionType"); ok {
		e.ExecutionType = model.ExecType(strings.ToUpper(execType))
		if !e.ExecutionType.Valid() {
			return model.Execution{}, invalid("ExecutionType", "unknown execution type "+execType)
		}
	} else {
		e.ExecutionType = defaultExecType(e.Status)
	}

	if v, ok := f.lookup("LastQty"); ok {
		n, cerr := toInt64(v)
		if cerr != nil {
			return model.Execution{}, invalid("LastQty", cerr.Error())
		}
		e.LastQty = &n
	}
	if _, ok := f.lookup("LastPx"); ok {
		px, derr := f.dec("LastPx")
		if derr != nil {
			return model.Execution{}, derr
		}
		e.LastPx = &px
	}
	e.CancelReason, _ = f.str("CancelReason")
	e.Source = raw.Source

	e.ExecutionID, _ = f.str("ExecutionID")
	if e.ExecutionID == "" {
		e.ExecutionID = model.FallbackExecutionID(e.OrderID, e.EventTimestampUTC, e.Account)
		e.FallbackKey = true
		logger.Warn("execution id missing, using fallback key",
			logger.Pair("execution_id", e.ExecutionID),
			logger.Pair("source", raw.Source))
	}
	return e, nil
}

// NormalizeBatch normalizes each record independently; rejections never stop the batch.
func NormalizeBatch(raws []model.RawEvent) ([]model.Execution, []Rejected) {
	out := make([]model.Execution, 0, len(raws))
	var rejected []Rejected
	for _, raw := range raws {
		e, err := Normalize(raw)
		if err != nil {
			var verr *model.ValidationError
			if !errors.As(err, &verr) {
				verr = &model.ValidationError{Field: "-", Cause: err.Error()}
			}
			logger.Warn("execution rejected by normalizer",
				logger.Pair("source", raw.Source),
				logger.Pair("field", verr.Field),
				logger.Pair("cause", verr.Cause))
			rejected = append(rejected, Rejected{Event: raw, Err: verr})
			continue
		}
		out = append(out, e)
	}
	return out, rejected
}

// EventTime reads only the event timestamp of a raw event, for paginating pulls.
func EventTime(raw model.RawEvent) (time.Time, bool) {
	v, ok := fields(raw.Fields).lookup("EventTimestampUTC")
	if !ok {
		return time.Time{}, false
	}
	ts, err := ParseTimestamp(v)
	return ts, err == nil
}

// ParseTimestamp maps every accepted venue time representation onto the UTC timeline.
// Zone-less strings are read as UTC; integers are epoch milliseconds.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, errors.New("zero time")
		}
		return t.UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, errors.New("empty timestamp")
		}
		for _, layout := range timeLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
		}
		if ms, err := toInt64(s); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Time{}, errors.New("unrecognized timestamp " + s)
	default:
		ms, err := toInt64(v)
		if err != nil || ms <= 0 {
			return time.Time{}, errors.New("unrecognized timestamp")
		}
		return time.UnixMilli(ms).UTC(), nil
	}
}

func parseSide(s string) (model.Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return model.SideBuy, nil
	case "SELL", "S":
		return model.SideSell, nil
	}
	return "", invalid("Side", "must be BUY or SELL, got "+s)
}

func defaultExecType(s model.ExecStatus) model.ExecType {
	switch s {
	case model.StatusPartiallyFilled, model.StatusFilled:
		return model.ExecTypeTrade
	case model.StatusCanceled:
		return model.ExecTypeCanceled
	case model.StatusRejected:
		return model.ExecTypeRejected
	case model.StatusExpired:
		return model.ExecTypeExpired
	}
	return model.ExecTypeNew
}

func invalid(field, cause string) *model.ValidationError {
	return &model.ValidationError{Field: field, Cause: cause}
}

type fields map[string]any

func (f fields) lookup(canonical string) (any, bool) {
	for _, name := range aliases[canonical] {
		if v, ok := f.path(name); ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v, true
		}
	}
	return nil, false
}

func (f fields) path(name string) (any, bool) {
	parts := strings.Split(name, ".")
	var cur any = map[string]any(f)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	// a nested object under a plain alias (accountId: {...}) is not a scalar value
	if _, isMap := cur.(map[string]any); isMap {
		return nil, false
	}
	return cur, true
}

func (f fields) str(canonical string) (string, bool) {
	v, ok := f.lookup(canonical)
	if !ok {
		return "", false
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(s), s != ""
}

func (f fields) requiredString(canonical string) (string, error) {
	v, ok := f.lookup(canonical)
	if !ok {
		return "", invalid(canonical, "missing")
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", invalid(canonical, err.Error())
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid(canonical, "empty")
	}
	return s, nil
}

func (f fields) requiredInt(canonical string) (int64, error) {
	v, ok := f.lookup(canonical)
	if !ok {
		return 0, invalid(canonical, "missing")
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, invalid(canonical, err.Error())
	}
	return n, nil
}

// toInt64 accepts integer kinds, whole floats and base-10 strings. Booleans and
// prefixed or fractional strings are refused.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case bool:
		return 0, fmt.Errorf("unable to cast %#v of type bool to int64", n)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a base-10 integer", n)
		}
		return i, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, errors.New("must be a whole number")
		}
	case float32:
		if n != float32(int64(n)) {
			return 0, errors.New("must be a whole number")
		}
	}
	return cast.ToInt64E(v)
}

// dec reads an optional decimal field; absent means zero.
func (f fields) dec(canonical string) (decimal.Decimal, error) {
	v, ok := f.lookup(canonical)
	if !ok {
		return decimal.Zero, nil
	}
	switch d := v.(type) {
	case decimal.Decimal:
		return d, nil
	case string:
		px, err := decimal.NewFromString(strings.TrimSpace(d))
		if err != nil {
			return decimal.Zero, invalid(canonical, err.Error())
		}
		return px, nil
	}
	fl, err := cast.ToFloat64E(v)
	if err != nil {
		return decimal.Zero, invalid(canonical, err.Error())
	}
	return decimal.NewFromFloat(fl), nil
}
