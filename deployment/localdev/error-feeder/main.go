// Command error-feeder streams synthetic application errors into a local
// error-intel instance so clustering, promotion and analysis can be observed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miradorstack/error-intel/internal/api"
	"github.com/miradorstack/error-intel/internal/models"
)

type template struct {
	source        string
	endpoint      string
	exceptionType string
	statusCode    int
	message       func(r *rand.Rand) string
	stack         string
	weight        int
}

var templates = []template{
	{
		source: "checkout", endpoint: "/api/orders", exceptionType: "SQLException", statusCode: 500, weight: 6,
		message: func(r *rand.Rand) string {
			return fmt.Sprintf("SQLException: connection to db.internal:5432 refused after %dms (pool size %d)", 1000+r.Intn(4000), 10+r.Intn(40))
		},
		stack: "at com.acme.orders.OrderRepository.save(OrderRepository.java:88)\nat com.acme.orders.OrderService.place(OrderService.java:41)\nat org.springframework.web.servlet.FrameworkServlet.service(FrameworkServlet.java:897)",
	},
	{
		source: "payments", endpoint: "/api/payments", exceptionType: "TimeoutException", statusCode: 504, weight: 3,
		message: func(r *rand.Rand) string {
			return fmt.Sprintf("request to https://psp.example.com/v2/charges/%s timed out after 30s", uuid.NewString())
		},
	},
	{
		source: "profile", endpoint: "/api/users/me", exceptionType: "NullPointerException", statusCode: 500, weight: 1,
		message: func(r *rand.Rand) string {
			return fmt.Sprintf("NullPointerException: Cannot read field \"address\" because user %d is null", r.Intn(100000))
		},
		stack: "at com.acme.profile.ProfileMapper.toView(ProfileMapper.java:27)\nat com.acme.profile.ProfileController.me(ProfileController.java:19)",
	},
}

func main() {
	var (
		addr     string
		batches  int
		size     int
		interval time.Duration
		scan     bool
	)
	flag.StringVar(&addr, "addr", "localhost:50051", "error-intel gRPC address")
	flag.IntVar(&batches, "batches", 10, "number of batches to send")
	flag.IntVar(&size, "size", 25, "errors per batch")
	flag.DurationVar(&interval, "interval", 2*time.Second, "delay between batches")
	flag.BoolVar(&scan, "scan", true, "trigger a scan after the last batch")
	flag.Parse()

	logger := log.New(log.Writer(), "error-feeder ", log.LstdFlags|log.Lmicroseconds)

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	client := api.NewClient(conn)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < batches; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var resp api.IngestResponse
		err := client.Call(ctx, "Ingest", api.IngestRequest{Errors: batch(r, size)}, &resp)
		cancel()
		if err != nil {
			logger.Fatalf("ingest batch %d: %v", i, err)
		}
		logger.Printf("batch %d: created=%d attached=%d merged=%d failed=%d", i, resp.Created, resp.Attached, resp.Merged, resp.Failed)
		if i < batches-1 {
			time.Sleep(interval)
		}
	}

	if !scan {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := client.Call(ctx, "Scan", nil, nil); err != nil {
		logger.Fatalf("scan: %v", err)
	}
	var patterns api.PatternsResponse
	if err := client.Call(ctx, "GetPatterns", models.PatternFilter{}, &patterns); err != nil {
		logger.Fatalf("list patterns: %v", err)
	}
	for _, p := range patterns.Patterns {
		logger.Printf("pattern %s %q severity=%s rate=%.1f/h count=%d", p.ID, p.Name, p.Severity, p.OccurrenceRate, p.OccurrenceCount)
	}
}

func batch(r *rand.Rand, n int) []models.RawError {
	total := 0
	for _, t := range templates {
		total += t.weight
	}
	out := make([]models.RawError, 0, n)
	for i := 0; i < n; i++ {
		pick := r.Intn(total)
		var t template
		for _, candidate := range templates {
			if pick < candidate.weight {
				t = candidate
				break
			}
			pick -= candidate.weight
		}
		out = append(out, models.RawError{
			ID:            uuid.NewString(),
			Timestamp:     time.Now().UTC(),
			Message:       t.message(r),
			StackTrace:    t.stack,
			ExceptionType: t.exceptionType,
			Source:        t.source,
			Endpoint:      t.endpoint,
			UserID:        fmt.Sprintf("user-%d", r.Intn(50)),
			StatusCode:    t.statusCode,
		})
	}
	return out
}
