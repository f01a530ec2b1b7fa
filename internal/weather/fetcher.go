package weather

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result is the outcome of one city lookup.
type Result struct {
	City        string
	Observation Observation
	Err         error
	Started     time.Time
	Duration    time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

// Fetcher runs provider lookups on worker goroutines. It never touches world state or
// the cache; callers receive each Result through deliver.
type Fetcher struct {
	provider Provider
	limiter  *rate.Limiter
	workers  int
}

// NewFetcher throttles requests to requestsPerSecond (<= 0 means unlimited).
func NewFetcher(p Provider, requestsPerSecond float64, workers int) *Fetcher {
	if workers <= 0 {
		workers = 4
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &Fetcher{provider: p, limiter: lim, workers: workers}
}

// UniqueCities drops empty names and duplicates, keeping first-seen order.
func UniqueCities(cities []string) []string {
	seen := make(map[string]bool, len(cities))
	out := make([]string, 0, len(cities))
	for _, c := range cities {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Fetch looks up every distinct city and blocks until each has been delivered.
// deliver may be called from several goroutines at once.
func (f *Fetcher) Fetch(ctx context.Context, cities []string, deliver func(Result)) {
	cities = UniqueCities(cities)
	if len(cities) == 0 || f.provider == nil {
		return
	}
	n := f.workers
	if n > len(cities) {
		n = len(cities)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for city := range jobs {
				deliver(f.one(ctx, city))
			}
		}()
	}
	for _, c := range cities {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
}

func (f *Fetcher) one(ctx context.Context, city string) Result {
	res := Result{City: city, Started: time.Now()}
	if err := f.limiter.Wait(ctx); err != nil {
		res.Err = err
		return res
	}
	obs, err := f.provider.Current(ctx, city)
	res.Duration = time.Since(res.Started)
	res.Observation = obs
	res.Err = err
	return res
}
