package tablecache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/scrapers/lms"

	gobreaker "github.com/sony/gobreaker/v2"
)

// FailureThreshold is the number of consecutive network failures after which
// the LMS is considered unreachable and requests are no longer attempted.
const FailureThreshold = 3

// Offline reports whether err means the LMS could not be reached, as opposed
// to an answer that could not be understood.
func Offline(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Fallback fetches from the LMS while it is reachable, storing what it gets,
// and serves the stored copy when it is not.
type Fallback struct {
	cache   *Cache
	breaker *gobreaker.CircuitBreaker[any]
	tel     telemetry.API
}

func NewFallback(cache *Cache, tel telemetry.API) *Fallback {
	f := &Fallback{cache: cache, tel: telemetry.NewScopedAPI("tablecache", tel)}
	f.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "lms",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= FailureThreshold
		},
		// a parse error or bad credentials still mean the LMS is up
		IsSuccessful: func(err error) bool {
			return !Offline(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.tel.ReportWarning(report_tablecache_breaker, name, from.String(), to.String())
		},
	})
	return f
}

func (f *Fallback) execute(fetch func() (any, error)) (any, error) {
	return f.breaker.Execute(fetch)
}

// Fetch runs fetch and stores its result under endpoint. When the LMS is
// offline the stored result is returned instead and stale is true.
func Fetch[T any](ctx context.Context, f *Fallback, endpoint string, fetch func(context.Context) (T, error)) (value T, stale bool, err error) {
	v, err := f.execute(func() (any, error) {
		return fetch(ctx)
	})
	if err == nil {
		value, _ = v.(T)
		if putErr := f.cache.Put(ctx, endpoint, value); putErr != nil {
			f.tel.ReportWarning(report_tablecache_store, endpoint, putErr)
		}
		return value, false, nil
	}
	if !Offline(err) {
		return value, false, err
	}

	fetchedAt, cacheErr := f.cache.Get(ctx, endpoint, &value)
	if cacheErr != nil {
		return value, false, errors.Join(err, cacheErr)
	}
	f.tel.ReportWarning(report_tablecache_offline, endpoint, fmt.Sprintf("using copy from %s", fetchedAt.Format(time.DateTime)), err)
	return value, true, nil
}

// FetchTable is Fetch for data tables, see lms.FetchTable.
func (f *Fallback) FetchTable(ctx context.Context, getter lms.Getter, endpoint string, opts ...lms.TableOption) (table Table, stale bool, err error) {
	v, err := f.execute(func() (any, error) {
		_, keys, rows, err := lms.FetchTable(ctx, getter, endpoint, opts...)
		if err != nil {
			return nil, err
		}
		return Table{Url: endpoint, Keys: keys, Rows: rows, FetchedAt: f.cache.now()}, nil
	})
	if err == nil {
		table = v.(Table)
		if putErr := f.cache.PutTable(ctx, endpoint, table.Keys, table.Rows); putErr != nil {
			f.tel.ReportWarning(report_tablecache_store, endpoint, putErr)
		}
		return table, false, nil
	}
	if !Offline(err) {
		return Table{}, false, err
	}

	table, cacheErr := f.cache.GetTable(ctx, endpoint)
	if cacheErr != nil {
		return Table{}, false, errors.Join(err, cacheErr)
	}
	f.tel.ReportWarning(report_tablecache_offline, endpoint, fmt.Sprintf("using copy from %s", table.FetchedAt.Format(time.DateTime)), err)
	return table, true, nil
}
