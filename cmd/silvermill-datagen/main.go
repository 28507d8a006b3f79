// Package main implements silvermill-datagen: a clickstream generator for
// exercising the Silver pipeline end to end. It emits sessionized JSONL
// events with configurable duplicate and out-of-order rates, either to
// stdout, a file, or directly into the Bronze prefix of a storage backend.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/silvermill/silvermill/internal/storage"
	"github.com/silvermill/silvermill/pkg/event"
)

var (
	pages         = []string{"/", "/search", "/product", "/cart", "/checkout", "/help", "/pricing"}
	commercePages = []string{"/product", "/cart", "/checkout"}
	browsers      = []string{"Chrome", "Firefox", "Safari", "Edge"}
	oses          = []string{"iOS", "Android", "Windows", "macOS", "Linux"}
	countries     = []string{"DE", "FR", "NL", "GB", "US", "PL", "SE", "ES", "IT"}
	cities        = []string{"Berlin", "Paris", "Amsterdam", "London", "Austin", "Warsaw", "Stockholm", "Madrid", "Milan"}
	referrers     = []string{"direct", "google", "newsletter", "twitter", "linkedin", "partner_site"}
	variants      = []string{"A", "B"}
	campaigns     = []string{"brand", "summer_sale", "retargeting", "none"}
	currencies    = []string{"EUR", "USD", "GBP"}
	payments      = []string{"card", "paypal", "klarna"}
)

type options struct {
	events     int
	maxSession int
	sleep      time.Duration
	out        string
	dupRate    float64
	ooRate     float64
	bronzeDir  string
	batchSize  int
	seed       int64
}

func main() {
	var opts options
	flag.IntVar(&opts.events, "events", 200, "Total events to emit")
	flag.IntVar(&opts.maxSession, "max-events-per-session", 12, "Max events per session")
	flag.DurationVar(&opts.sleep, "sleep", 0, "Sleep between events (simulate streaming)")
	flag.StringVar(&opts.out, "out", "-", "Output path for JSONL; '-' for stdout")
	flag.Float64Var(&opts.dupRate, "dup-rate", 0.01, "Probability of re-emitting a previous event_id")
	flag.Float64Var(&opts.ooRate, "oo-rate", 0.02, "Probability of emitting an older timestamp")
	flag.StringVar(&opts.bronzeDir, "bronze", "", "Write into this local storage dir as Bronze objects instead of -out")
	flag.IntVar(&opts.batchSize, "batch-size", 500, "Events per Bronze object when writing to -bronze")
	flag.Int64Var(&opts.seed, "seed", 0, "Random seed (0 = time-based)")
	flag.Parse()

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	gen := &generator{rng: rng, opts: opts}

	var err error
	if opts.bronzeDir != "" {
		err = gen.runBronze(context.Background())
	} else {
		err = gen.runJSONL()
	}
	if err != nil {
		log.Fatalf("datagen failed: %v", err)
	}
}

type generator struct {
	rng  *rand.Rand
	opts options

	// emitted keeps a window of past events so duplicates re-emit real
	// records, event_id and all.
	emitted []event.RawEvent
}

// runJSONL streams events to stdout or a file.
func (g *generator) runJSONL() error {
	var w io.Writer = os.Stdout
	if g.opts.out != "-" {
		if err := os.MkdirAll(filepath.Dir(g.opts.out), 0755); err != nil {
			return err
		}
		f, err := os.Create(g.opts.out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	bw := bufio.NewWriter(w)
	defer bw.Flush()
	enc := json.NewEncoder(bw)

	return g.generate(func(ev event.RawEvent) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if g.opts.sleep > 0 {
			bw.Flush()
			time.Sleep(g.opts.sleep)
		}
		return nil
	})
}

// runBronze writes events as batched JSONL objects laid out the way the
// pipeline expects Bronze: <prefix>/<YYYYMMDD>/<HH>/<object>.jsonl.
func (g *generator) runBronze(ctx context.Context) error {
	store, err := storage.NewLocalStorage(g.opts.bronzeDir)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	count := 0
	seq := 0

	flush := func() error {
		if count == 0 {
			return nil
		}
		key := event.KeyForTime(time.Now().UTC())
		objectPath := fmt.Sprintf("bronze/%s/part-%05d-%s.jsonl",
			key.ObjectPrefix(), seq, uuid.New().String()[:8])
		if err := store.Put(ctx, objectPath, buf.Bytes()); err != nil {
			return err
		}
		log.Printf("wrote %s (%d events)", objectPath, count)
		buf.Reset()
		count = 0
		seq++
		return nil
	}

	err = g.generate(func(ev event.RawEvent) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		count++
		if count >= g.opts.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// generate produces sessionized events and applies duplicate and
// out-of-order injection, calling emit for each record.
func (g *generator) generate(emit func(event.RawEvent) error) error {
	total := 0
	for total < g.opts.events {
		userID := fmt.Sprintf("usr_%s", hex16(g.rng))
		for _, ev := range g.session(userID) {
			if total >= g.opts.events {
				break
			}

			// Out-of-order injection: shift the timestamp 1 to 60 minutes
			// into the past.
			if g.rng.Float64() < g.opts.ooRate {
				older := time.Now().UTC().Add(-time.Duration(60+g.rng.Intn(3540)) * time.Second)
				ev.EventTS = older.Format(rfc3339Milli)
			}

			// Duplicate injection: re-emit a previously produced record.
			if len(g.emitted) > 0 && g.rng.Float64() < g.opts.dupRate {
				ev = g.emitted[g.rng.Intn(len(g.emitted))]
			}

			if err := emit(ev); err != nil {
				return err
			}

			g.emitted = append(g.emitted, ev)
			if len(g.emitted) > 5000 {
				g.emitted = g.emitted[len(g.emitted)-2000:]
			}
			total++
		}
	}
	return nil
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// session builds a realistic session: always starts with a page_view, then
// a biased mix of views, carts, and the occasional purchase.
func (g *generator) session(userID string) []event.RawEvent {
	sessionID := fmt.Sprintf("sess_%s", hex16(g.rng))
	events := []event.RawEvent{g.makeEvent(userID, sessionID, string(event.TypePageView))}

	n := 1 + g.rng.Intn(g.opts.maxSession)
	for i := 0; i < n-1; i++ {
		events = append(events, g.makeEvent(userID, sessionID, g.pickType()))
	}
	return events
}

// pickType biases towards page_view (78% view, 18% cart, 4% purchase).
func (g *generator) pickType() string {
	r := g.rng.Float64()
	switch {
	case r < 0.78:
		return string(event.TypePageView)
	case r < 0.96:
		return string(event.TypeAddToCart)
	default:
		return string(event.TypePurchase)
	}
}

func (g *generator) makeEvent(userID, sessionID, etype string) event.RawEvent {
	page := pick(g.rng, pages)
	if etype == string(event.TypeAddToCart) || etype == string(event.TypePurchase) {
		page = pick(g.rng, commercePages)
	}

	ci := g.rng.Intn(len(countries))
	attrs := map[string]interface{}{
		"ab_test_variant": pick(g.rng, variants),
		"utm_campaign":    pick(g.rng, campaigns),
	}
	if etype == string(event.TypeAddToCart) || etype == string(event.TypePurchase) {
		attrs["product_id"] = fmt.Sprintf("sku_%d", 1000+g.rng.Intn(9000))
		attrs["price"] = float64(g.rng.Intn(29500)+500) / 100
		attrs["currency"] = pick(g.rng, currencies)
		attrs["quantity"] = 1 + g.rng.Intn(3)
	}
	if etype == string(event.TypePurchase) {
		attrs["order_id"] = fmt.Sprintf("ord_%s", uuid.New().String()[:12])
		attrs["payment_method"] = pick(g.rng, payments)
	}

	return event.RawEvent{
		EventID:   uuid.New().String(),
		EventTS:   time.Now().UTC().Format(rfc3339Milli),
		UserID:    userID,
		SessionID: sessionID,
		EventType: etype,
		Page:      page,
		Referrer:  pick(g.rng, referrers),
		Device: map[string]string{
			"os":      pick(g.rng, oses),
			"browser": pick(g.rng, browsers),
		},
		Geo: map[string]string{
			"country": countries[ci],
			"city":    cities[ci],
		},
		Attributes: attrs,
	}
}

func pick(rng *rand.Rand, list []string) string {
	return list[rng.Intn(len(list))]
}

func hex16(rng *rand.Rand) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := range b {
		b[i] = hexdigits[rng.Intn(16)]
	}
	return string(b)
}
