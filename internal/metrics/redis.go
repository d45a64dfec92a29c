package metrics

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const dayLayout = "2006-01-02"

type RedisRecorder struct {
	rdb      *redis.Client
	dayTTL   time.Duration
	distTTL  time.Duration
	monthTTL time.Duration
}

type RecorderOption func(*RedisRecorder)

func WithTTLs(dayTTL, distTTL, monthTTL time.Duration) RecorderOption {
	return func(r *RedisRecorder) {
		if dayTTL > 0 {
			r.dayTTL = dayTTL
		}
		if distTTL > 0 {
			r.distTTL = distTTL
		}
		if monthTTL > 0 {
			r.monthTTL = monthTTL
		}
	}
}

func NewRedisRecorder(rdb *redis.Client, opts ...RecorderOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:      rdb,
		dayTTL:   180 * 24 * time.Hour,
		distTTL:  90 * 24 * time.Hour,
		monthTTL: 18 * 31 * 24 * time.Hour,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Batch is what the recorder needs from one stored session batch.
type Batch struct {
	APIKey     string
	SessionID  string
	UserIDHash string
	AppVersion string
	Country    string
	EventNames []string
	// WithDuration counts events carrying a non-zero duration. The wire
	// format has no timed flag, so a timed event that ended within the same
	// millisecond is not counted.
	WithDuration int
	ErrorCount   int
	Received     time.Time
}

// ObserveBatch updates the per-key daily counters and distributions for one
// batch. Redis failures are returned but leave the stored batch untouched.
func (r *RedisRecorder) ObserveBatch(ctx context.Context, b Batch) error {
	if r == nil || r.rdb == nil {
		return nil
	}
	ts := b.Received.UTC()
	date := ts.Format(dayLayout)
	month := ts.Format("2006-01")
	key := b.APIKey
	user := strings.TrimSpace(b.UserIDHash)
	session := strings.TrimSpace(b.SessionID)

	pipe := r.rdb.Pipeline()
	expire := map[string]time.Duration{}
	incr := func(k string, n int64) {
		if n <= 0 {
			return
		}
		pipe.IncrBy(ctx, k, n)
		expire[k] = r.dayTTL
	}

	incr(fmt.Sprintf("metrics:batches:%s:%s", key, date), 1)
	incr(fmt.Sprintf("metrics:events:%s:%s", key, date), int64(len(b.EventNames)))
	incr(fmt.Sprintf("metrics:with_duration:%s:%s", key, date), int64(b.WithDuration))
	incr(fmt.Sprintf("metrics:errors:%s:%s", key, date), int64(b.ErrorCount))
	pipe.IncrBy(ctx, fmt.Sprintf("metrics:events:%s:total", key), int64(len(b.EventNames)))
	pipe.IncrBy(ctx, fmt.Sprintf("metrics:errors:%s:total", key), int64(b.ErrorCount))

	if user != "" {
		usersDayKey := fmt.Sprintf("metrics:users:%s:%s", key, date)
		pipe.PFAdd(ctx, usersDayKey, user)
		expire[usersDayKey] = r.dayTTL

		dauKey := fmt.Sprintf("active:dau:%s:%s", key, date)
		pipe.PFAdd(ctx, dauKey, user)
		expire[dauKey] = r.dayTTL

		mauKey := fmt.Sprintf("active:mau:%s:%s", key, month)
		pipe.PFAdd(ctx, mauKey, user)
		expire[mauKey] = r.monthTTL
	}
	if session != "" {
		sessKey := fmt.Sprintf("metrics:sessions:%s:%s", key, date)
		pipe.PFAdd(ctx, sessKey, session)
		expire[sessKey] = r.dayTTL
	}

	dist := func(dim, value string, n int64) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		hashKey := fmt.Sprintf("dist:%s:%s:%s", dim, key, date)
		pipe.HIncrBy(ctx, hashKey, value, n)
		expire[hashKey] = r.distTTL
	}
	for _, name := range b.EventNames {
		dist("event", name, 1)
	}
	dist("country", b.Country, 1)
	dist("app_version", b.AppVersion, 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return r.expireKeys(ctx, expire)
}

func (r *RedisRecorder) expireKeys(ctx context.Context, keys map[string]time.Duration) error {
	if r == nil || r.rdb == nil || len(keys) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for k, ttl := range keys {
		if strings.TrimSpace(k) == "" || ttl <= 0 {
			continue
		}
		pipe.Expire(ctx, k, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

type TodayCounts struct {
	Date         string `json:"date"`
	Batches      int64  `json:"batches"`
	Events       int64  `json:"events"`
	WithDuration int64  `json:"events_with_duration"`
	Errors       int64  `json:"errors"`
	Users        int64  `json:"users"`
	Sessions     int64  `json:"sessions"`
}

// Today reads the counters for the UTC day containing now. ok is false when
// the recorder is disabled.
func (r *RedisRecorder) Today(ctx context.Context, apiKey string, now time.Time) (counts TodayCounts, ok bool, err error) {
	if r == nil || r.rdb == nil {
		return TodayCounts{}, false, nil
	}
	date := now.UTC().Format(dayLayout)

	pipe := r.rdb.Pipeline()
	batchesCmd := pipe.Get(ctx, fmt.Sprintf("metrics:batches:%s:%s", apiKey, date))
	eventsCmd := pipe.Get(ctx, fmt.Sprintf("metrics:events:%s:%s", apiKey, date))
	durationCmd := pipe.Get(ctx, fmt.Sprintf("metrics:with_duration:%s:%s", apiKey, date))
	errorsCmd := pipe.Get(ctx, fmt.Sprintf("metrics:errors:%s:%s", apiKey, date))
	usersCmd := pipe.PFCount(ctx, fmt.Sprintf("metrics:users:%s:%s", apiKey, date))
	sessionsCmd := pipe.PFCount(ctx, fmt.Sprintf("metrics:sessions:%s:%s", apiKey, date))
	_, err = pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return TodayCounts{}, true, err
	}

	counts.Date = date
	counts.Batches, _ = batchesCmd.Int64()
	counts.Events, _ = eventsCmd.Int64()
	counts.WithDuration, _ = durationCmd.Int64()
	counts.Errors, _ = errorsCmd.Int64()
	counts.Users, _ = usersCmd.Result()
	counts.Sessions, _ = sessionsCmd.Result()
	return counts, true, nil
}

type BucketCount struct {
	Bucket string `json:"bucket"`
	Active int64  `json:"active"`
}

type DistItem struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type RetentionPoint struct {
	Day    int     `json:"day"`
	Active int64   `json:"active"`
	Rate   float64 `json:"rate"`
}

type RetentionRow struct {
	Cohort     string           `json:"cohort"`
	CohortSize int64            `json:"cohort_size"`
	Points     []RetentionPoint `json:"points"`
}

var pfUnionCountScript = `
redis.call('PFMERGE', KEYS[1], KEYS[2], KEYS[3])
local n = redis.call('PFCOUNT', KEYS[1])
redis.call('DEL', KEYS[1])
return n
`

func (r *RedisRecorder) Distribution(ctx context.Context, apiKey string, dim string, start, end time.Time, limit int) ([]DistItem, error) {
	if r == nil || r.rdb == nil {
		return nil, nil
	}
	dim = strings.TrimSpace(dim)
	if dim == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	start = start.UTC()
	end = end.UTC()
	if end.Before(start) {
		start, end = end, start
	}

	acc := map[string]int64{}
	cur := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	for !cur.After(last) {
		b := cur.Format(dayLayout)
		hashKey := fmt.Sprintf("dist:%s:%s:%s", dim, apiKey, b)
		m, err := r.rdb.HGetAll(ctx, hashKey).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		for k, v := range m {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			acc[k] += n
		}
		cur = cur.AddDate(0, 0, 1)
	}

	items := make([]DistItem, 0, len(acc))
	for k, v := range acc {
		items = append(items, DistItem{Key: k, Count: v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].Key < items[j].Key
		}
		return items[i].Count > items[j].Count
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *RedisRecorder) Retention(ctx context.Context, apiKey string, start, end time.Time, dayOffsets []int) ([]RetentionRow, error) {
	if r == nil || r.rdb == nil {
		return nil, nil
	}
	start = start.UTC()
	end = end.UTC()
	if end.Before(start) {
		start, end = end, start
	}

	seen := map[int]bool{}
	var offsets []int
	for _, d := range dayOffsets {
		if d <= 0 || d > 365 {
			continue
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		offsets = append(offsets, d)
	}
	sort.Ints(offsets)
	if len(offsets) == 0 {
		offsets = []int{1, 7, 30}
	}
	if len(offsets) > 10 {
		offsets = offsets[:10]
	}

	type rowCmds struct {
		cohort time.Time
		a      *redis.IntCmd
		b      map[int]*redis.IntCmd
		u      map[int]*redis.Cmd
	}
	var cmds []rowCmds

	cur := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	pipe := r.rdb.Pipeline()
	for !cur.After(last) {
		cohortDate := cur.Format(dayLayout)
		aKey := fmt.Sprintf("active:dau:%s:%s", apiKey, cohortDate)
		rc := rowCmds{
			cohort: cur,
			a:      pipe.PFCount(ctx, aKey),
			b:      map[int]*redis.IntCmd{},
			u:      map[int]*redis.Cmd{},
		}
		for _, d := range offsets {
			t := cur.AddDate(0, 0, d).Format(dayLayout)
			bKey := fmt.Sprintf("active:dau:%s:%s", apiKey, t)
			rc.b[d] = pipe.PFCount(ctx, bKey)
			tmpKey := fmt.Sprintf("tmp:pfu:%s:%d:%d", apiKey, cur.UnixNano(), d)
			rc.u[d] = pipe.Eval(ctx, pfUnionCountScript, []string{tmpKey, aKey, bKey})
		}
		cmds = append(cmds, rc)
		cur = cur.AddDate(0, 0, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]RetentionRow, 0, len(cmds))
	for _, rc := range cmds {
		a, _ := rc.a.Result()
		row := RetentionRow{
			Cohort:     rc.cohort.Format(dayLayout),
			CohortSize: a,
		}
		for _, d := range offsets {
			b, _ := rc.b[d].Result()
			u, _ := rc.u[d].Int64()
			inter := a + b - u
			if inter < 0 {
				inter = 0
			}
			rate := 0.0
			if a > 0 {
				rate = float64(inter) / float64(a)
			}
			row.Points = append(row.Points, RetentionPoint{Day: d, Active: inter, Rate: rate})
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *RedisRecorder) ActiveSeries(ctx context.Context, apiKey string, start, end time.Time, bucket string) ([]BucketCount, error) {
	if r == nil || r.rdb == nil {
		return nil, nil
	}
	start = start.UTC()
	end = end.UTC()
	if end.Before(start) {
		start, end = end, start
	}

	switch bucket {
	case "month":
		return r.activeByMonth(ctx, apiKey, start, end)
	default:
		return r.activeByDay(ctx, apiKey, start, end)
	}
}

func (r *RedisRecorder) activeByDay(ctx context.Context, apiKey string, start, end time.Time) ([]BucketCount, error) {
	var out []BucketCount
	cur := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	for !cur.After(last) {
		b := cur.Format(dayLayout)
		key := fmt.Sprintf("active:dau:%s:%s", apiKey, b)
		n, err := r.rdb.PFCount(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		out = append(out, BucketCount{Bucket: b, Active: n})
		cur = cur.AddDate(0, 0, 1)
	}
	return out, nil
}

func (r *RedisRecorder) activeByMonth(ctx context.Context, apiKey string, start, end time.Time) ([]BucketCount, error) {
	var out []BucketCount
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)

	for !cur.After(last) {
		b := cur.Format("2006-01")
		key := fmt.Sprintf("active:mau:%s:%s", apiKey, b)
		n, err := r.rdb.PFCount(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		out = append(out, BucketCount{Bucket: b, Active: n})
		cur = cur.AddDate(0, 1, 0)
	}
	return out, nil
}
