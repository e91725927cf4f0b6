package kickpubsub

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultRegion is used when detection is disabled or every probe fails.
const DefaultRegion = "us2"

// defaultProbeTimeout bounds one region probe.
const defaultProbeTimeout = 5 * time.Second

// candidateRegions are the pub/sub clusters worth probing.
var candidateRegions = []string{"us2", "mt1", "eu"}

// detectRegion probes each candidate region by opening a short-lived socket
// and measuring time-to-open, returning the lowest-latency region. Falls
// back to DefaultRegion when every probe fails or times out.
func detectRegion(ctx context.Context, endpoint func(region string) string, probeTimeout time.Duration) string {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	best := ""
	bestLatency := time.Duration(0)
	for _, region := range candidateRegions {
		latency, err := probeRegion(ctx, endpoint(region), probeTimeout)
		if err != nil {
			slog.Debug("region probe failed",
				slog.String("region", region),
				slog.Any("err", err),
				slog.String("component", "kickpubsub"))
			continue
		}
		slog.Debug("region probe",
			slog.String("region", region),
			slog.Duration("latency", latency),
			slog.String("component", "kickpubsub"))
		if best == "" || latency < bestLatency {
			best, bestLatency = region, latency
		}
	}
	if best == "" {
		slog.Warn("all region probes failed, using default",
			slog.String("region", DefaultRegion),
			slog.String("component", "kickpubsub"))
		return DefaultRegion
	}
	slog.Info("selected pub/sub region",
		slog.String("region", best),
		slog.Duration("latency", bestLatency),
		slog.String("component", "kickpubsub"))
	return best
}

func probeRegion(ctx context.Context, url string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)
	_ = conn.Close()
	return latency, nil
}
