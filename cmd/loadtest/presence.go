package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/chatsync/internal/client"
	"github.com/whisper/chatsync/internal/config"
	"github.com/whisper/chatsync/internal/loadtest"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/session"
)

type presenceOptions struct {
	configPath  string
	connections int
	rampUp      time.Duration
	hold        time.Duration
	concurrency int
	metricsURL  string
	prefix      string
}

func newPresenceCommand() *cobra.Command {
	opts := presenceOptions{}
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Open N authenticated connections and measure presence fan-out",
		Long: `presence creates a session token per simulated user directly in Redis,
ramps up connections, and records how long each user_status{online} takes
to reach already-connected peers. Connections are then held open while the
server's /metrics endpoint is scraped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPresence(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	f.IntVar(&opts.connections, "connections", 500, "number of connections to open")
	f.DurationVar(&opts.rampUp, "ramp", 10*time.Second, "ramp-up duration")
	f.DurationVar(&opts.hold, "hold", 30*time.Second, "hold duration after all connections are open")
	f.IntVar(&opts.concurrency, "concurrency", 50, "maximum simultaneous connection attempts")
	f.StringVar(&opts.metricsURL, "metrics", "", "server /metrics URL (empty skips scraping)")
	f.StringVar(&opts.prefix, "prefix", "load", "user id prefix")
	return cmd
}

// user is one simulated connection.
type user struct {
	id   string
	conn client.Transport
}

func runPresence(cmd *cobra.Command, opts presenceOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.connections <= 0 || opts.concurrency <= 0 {
		return errors.New("presence: connections and concurrency must be positive")
	}
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := session.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()
	sessions := session.NewStore(rdb)

	fmt.Fprintf(out, "Presence test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		opts.connections, cfg.Client.URL, opts.rampUp, opts.hold, opts.concurrency)

	tokens := make([]string, opts.connections)
	for i := range tokens {
		id := fmt.Sprintf("%s-%d", opts.prefix, i)
		tokens[i] = "tok-" + id
		if err := sessions.Create(ctx, tokens[i], session.Identity{UserID: id}); err != nil {
			return fmt.Errorf("presence: create session for %s: %w", id, err)
		}
	}

	collector := loadtest.NewCollector()
	if opts.metricsURL != "" {
		scraper := loadtest.NewScraper(opts.metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	// dialedAt holds when each user started connecting, so peers can time
	// the arrival of its online status.
	var dialedAt sync.Map
	dial := client.WebSocketDialer(cfg.Server.WriteTimeout)

	var (
		mu    sync.Mutex
		users = make([]*user, 0, opts.connections)
		wg    sync.WaitGroup
		sem   = make(chan struct{}, opts.concurrency)
	)

	connect := func(i int) {
		defer wg.Done()
		defer func() { <-sem }()

		id := fmt.Sprintf("%s-%d", opts.prefix, i)
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		start := time.Now()
		dialedAt.Store(id, start)
		conn, err := dial(connCtx, cfg.Client.URL, tokens[i])
		if err != nil {
			collector.AddError()
			return
		}

		// The first frame must be the connection event.
		data, err := conn.Read()
		if err != nil {
			var ce *client.CloseError
			if errors.As(err, &ce) {
				collector.AddClose(uint16(ce.Code))
			}
			collector.AddError()
			_ = conn.Close(protocol.CloseNormal, "")
			return
		}
		if ev, err := protocol.ParseServerEvent(data); err != nil || ev.EventType() != protocol.TypeConnection {
			collector.AddError()
			_ = conn.Close(protocol.CloseNormal, "")
			return
		}
		collector.AddConnect(time.Since(start))

		u := &user{id: id, conn: conn}
		mu.Lock()
		users = append(users, u)
		mu.Unlock()

		go readPresence(u, &dialedAt, collector)
	}

	fmt.Fprintln(out, "\n--- Ramp-up phase ---")
	interval := opts.rampUp / time.Duration(opts.connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	rampStart := time.Now()
	interrupted := false

ramp:
	for i := 0; i < opts.connections; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break ramp
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go connect(i)
	}
	ticker.Stop()
	wg.Wait()

	fmt.Fprintf(out, "Ramp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), opts.connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if !interrupted {
		fmt.Fprintf(out, "\n--- Hold phase (%s) ---\n", opts.hold)
		select {
		case <-ctx.Done():
		case <-time.After(opts.hold):
		}
	}

	fmt.Fprintln(out, "\n--- Cleanup ---")
	mu.Lock()
	for _, u := range users {
		_ = u.conn.Close(protocol.CloseNormal, "load test done")
	}
	fmt.Fprintf(out, "Closed %d connections.\n", len(users))
	mu.Unlock()

	collector.Report(out)
	return nil
}

// readPresence drains u's connection and times every online status it
// receives against the peer's dial start.
func readPresence(u *user, dialedAt *sync.Map, collector *loadtest.Collector) {
	for {
		data, err := u.conn.Read()
		if err != nil {
			var ce *client.CloseError
			if errors.As(err, &ce) && ce.Code != protocol.CloseNormal && ce.Code != protocol.CloseAbnormal {
				collector.AddClose(uint16(ce.Code))
			}
			return
		}
		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			continue
		}
		st, ok := ev.(*protocol.UserStatusMsg)
		if !ok || !st.Online {
			continue
		}
		if v, ok := dialedAt.Load(st.UserID); ok {
			collector.AddFanout(time.Since(v.(time.Time)))
		}
	}
}
