package exho

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	quoteTTL         = 24 * time.Hour
	defaultQuote     = "今天也要加油！"
	dailyQuotePrefix = "每日一句："
)

// DailyQuote hands out one randomly chosen quote per day
type DailyQuote struct {
	mu      sync.Mutex
	quotes  []string
	current string
	expires time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewDailyQuote(quotes []string) *DailyQuote {
	return &DailyQuote{
		quotes: quotes,
		ttl:    quoteTTL,
		now:    time.Now,
	}
}

// loadQuotes reads one quote per line from path, skipping blank lines.
// A missing file yields no quotes.
func loadQuotes(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var quotes []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			quotes = append(quotes, line)
		}
	}
	return quotes, scanner.Err()
}

// Get returns today's quote, picking a new one if the current one
// has expired
func (q *DailyQuote) Get() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if q.current != "" && now.Before(q.expires) {
		return q.current
	}
	if len(q.quotes) == 0 {
		q.current = defaultQuote
	} else {
		q.current = q.quotes[rand.Intn(len(q.quotes))]
	}
	q.expires = now.Add(q.ttl)
	return q.current
}

// Reply returns today's quote formatted as a reply
func (q *DailyQuote) Reply() string {
	return dailyQuotePrefix + q.Get()
}

func (q *DailyQuote) Len() int {
	return len(q.quotes)
}
