package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"

	"github.com/user/blepeer/logger"
	"github.com/user/blepeer/peer"
	"github.com/user/blepeer/session"
	"github.com/user/blepeer/wire"
)

const simPrefix = "Simulate"

type simParams struct {
	Nodes    int
	Messages int
	Size     int
	MTU      int
	Lossy    bool
	Seed     int64
	Timeout  time.Duration
}

// simulate: bring up several nodes on one radio, let them find each other and exchange
// broadcasts, then report what arrived.
func simulateCmd() *cobra.Command {
	var p simParams
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run several dual-role nodes on a simulated radio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.Nodes < 2 {
				return fmt.Errorf("need at least 2 nodes, got %d", p.Nodes)
			}
			return runApp(cmd.Context(), p)
		},
	}
	cmd.Flags().IntVar(&p.Nodes, "nodes", 3, "number of nodes")
	cmd.Flags().IntVar(&p.Messages, "messages", 3, "broadcasts sent by each node")
	cmd.Flags().IntVar(&p.Size, "size", 512, "payload size in bytes")
	cmd.Flags().IntVar(&p.MTU, "mtu", 185, "MTU proposed by every device")
	cmd.Flags().BoolVar(&p.Lossy, "lossy", false, "use realistic delays, failures and packet loss")
	cmd.Flags().Int64Var(&p.Seed, "seed", 1, "seed for the simulated radio")
	cmd.Flags().DurationVar(&p.Timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

func runApp(ctx context.Context, p simParams) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app := fx.New(
		fx.Supply(p),
		fx.Provide(newRadio, newTally, newNodes),
		fx.Invoke(registerScenario),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Zap().Named("fx")}
		}),
	)

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	var sig fx.ShutdownSignal
	select {
	case sig = <-app.Wait():
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := app.Stop(stopCtx)
	if sig.ExitCode != 0 {
		err = multierr.Append(err, errors.New("simulation failed"))
	}
	return err
}

func newRadio(p simParams) *wire.Radio {
	cfg := wire.PerfectSimulationConfig()
	if p.Lossy {
		cfg = wire.DefaultSimulationConfig()
	}
	cfg.Deterministic = true
	cfg.Seed = p.Seed
	return wire.NewRadio(cfg, nil)
}

// tally counts deliveries per receiving node.
type tally struct {
	mu       sync.Mutex
	received map[string]int
	corrupt  int
}

func newTally() *tally {
	return &tally{received: make(map[string]int)}
}

func (t *tally) add(node string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received[node]++
	if !ok {
		t.corrupt++
	}
}

func (t *tally) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalLocked()
}

type simNode struct {
	name string
	node *session.Node
	done chan error
}

func payloadFor(name string, i, size int) []byte {
	seed := []byte(fmt.Sprintf("%s#%d|", name, i))
	return bytes.Repeat(seed, size/len(seed)+1)[:size]
}

func newNodes(lc fx.Lifecycle, p simParams, radio *wire.Radio, t *tally) ([]*simNode, error) {
	nodes := make([]*simNode, 0, p.Nodes)
	for i := 0; i < p.Nodes; i++ {
		name := fmt.Sprintf("node-%d", i+1)
		dev := radio.NewDevice(name)
		dev.SetMTU(p.MTU)

		cfg := session.DefaultConfig()
		cfg.Nickname = name
		n, err := session.New(cfg, dev.Central(), dev.Peripheral(),
			session.WithName(name),
			session.WithMessageReceived(func(from peer.ID, payload []byte) {
				t.add(name, len(payload) == p.Size && bytes.Contains(payload, []byte("#")))
			}),
			session.WithErrorHandler(func(id peer.ID, err error) {
				logger.Debug(name, "error from %s: %v", id.Short(), err)
			}),
		)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, &simNode{name: name, node: n, done: make(chan error, 1)})
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for _, sn := range nodes {
				go func() { sn.done <- sn.node.Run(context.Background()) }()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs error
			for _, sn := range nodes {
				errs = multierr.Append(errs, sn.node.Close())
				select {
				case err := <-sn.done:
					errs = multierr.Append(errs, err)
				case <-ctx.Done():
					return multierr.Append(errs, ctx.Err())
				}
			}
			return errs
		},
	})
	return nodes, nil
}

func registerScenario(lc fx.Lifecycle, sd fx.Shutdowner, p simParams, nodes []*simNode, t *tally) {
	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer cancel()
				code := 0
				if err := scenario(ctx, p, nodes, t); err != nil {
					logger.Error(simPrefix, "%v", err)
					code = 1
				}
				sd.Shutdown(fx.ExitCode(code))
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func scenario(ctx context.Context, p simParams, nodes []*simNode, t *tally) error {
	// Let Run start before the roles do.
	for _, sn := range nodes {
		if err := waitFor(ctx, func() bool { return sn.node.StartPeripheralService(sn.name) == nil }); err != nil {
			return fmt.Errorf("%s: start peripheral: %w", sn.name, err)
		}
		if err := sn.node.StartScanning(); err != nil {
			return fmt.Errorf("%s: start scanning: %w", sn.name, err)
		}
	}

	meshed := func() bool {
		for _, sn := range nodes {
			ready := 0
			for _, pr := range sn.node.Peers() {
				if pr.State.HasSession() {
					ready++
				}
			}
			if ready < len(nodes)-1 {
				return false
			}
		}
		return true
	}
	start := time.Now()
	if err := waitFor(ctx, meshed); err != nil {
		return fmt.Errorf("mesh never formed: %w", err)
	}
	logger.Info(simPrefix, "%d nodes meshed in %v", len(nodes), time.Since(start).Round(time.Millisecond))

	for i := 0; i < p.Messages; i++ {
		for _, sn := range nodes {
			if err := sn.node.Broadcast(payloadFor(sn.name, i, p.Size)); err != nil {
				logger.Warn(simPrefix, "%s: broadcast %d: %v", sn.name, i, err)
			}
		}
	}

	want := p.Messages * len(nodes) * (len(nodes) - 1)
	err := waitFor(ctx, func() bool { return t.total() >= want })

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sn := range nodes {
		logger.Info(simPrefix, "%s received %d messages", sn.name, t.received[sn.name])
	}
	if err != nil {
		return fmt.Errorf("%d of %d messages delivered: %w", t.totalLocked(), want, err)
	}
	if t.corrupt > 0 {
		return fmt.Errorf("%d corrupt messages", t.corrupt)
	}
	logger.Info(simPrefix, "all %d messages delivered in %v", want, time.Since(start).Round(time.Millisecond))
	return nil
}

func (t *tally) totalLocked() int {
	n := 0
	for _, c := range t.received {
		n += c
	}
	return n
}

func waitFor(ctx context.Context, cond func() bool) error {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
