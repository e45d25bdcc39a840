package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/blepeer/ble"
	"github.com/user/blepeer/frame"
	"github.com/user/blepeer/wire"
)

// radio: measure what the simulated radio does to connections, writes and signal strength.
func radioCmd() *cobra.Command {
	var (
		attempts int
		writes   int
		seed     int64
	)
	cmd := &cobra.Command{
		Use:   "radio",
		Short: "Report connection, loss, RSSI and MTU behaviour of the simulated radio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := wire.DefaultSimulationConfig()
			cfg.Deterministic = true
			cfg.Seed = seed
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Connections")
			if err := measureConnections(cmd.Context(), out, cfg, attempts); err != nil {
				return err
			}
			fmt.Fprintln(out, "\nWrites")
			measureWrites(out, cfg, writes)
			fmt.Fprintln(out, "\nRSSI")
			measureRSSI(out, cfg)
			fmt.Fprintln(out, "\nMTU")
			measureMTU(out, cfg)
			return nil
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", 100, "connection attempts")
	cmd.Flags().IntVar(&writes, "writes", 10000, "simulated writes")
	cmd.Flags().Int64Var(&seed, "seed", 11111, "seed for the simulated radio")
	return cmd
}

func measureConnections(ctx context.Context, out io.Writer, cfg *wire.SimulationConfig, attempts int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	radio := wire.NewRadio(cfg, nil)
	server := radio.NewDevice("server")
	client := radio.NewDevice("client")

	accepted, err := server.Peripheral().StartAdvertise(ctx, ble.Advertisement{ServiceUUID: ble.ServiceUUID})
	if err != nil {
		return err
	}
	defer server.Peripheral().StopAdvertise()
	go func() {
		for l := range accepted {
			l.Close()
		}
	}()

	failures := 0
	var total time.Duration
	for i := 0; i < attempts; i++ {
		start := time.Now()
		l, err := client.Central().Connect(ctx, server.Address())
		total += time.Since(start)
		if err != nil {
			failures++
			continue
		}
		l.Close()
	}
	if attempts == 0 {
		return nil
	}
	fmt.Fprintf(out, "  attempts %d, failures %d (%.2f%%, configured %.2f%%)\n",
		attempts, failures, 100*float64(failures)/float64(attempts), 100*cfg.ConnectionFailureRate)
	fmt.Fprintf(out, "  average delay %v (configured %d-%dms)\n",
		(total / time.Duration(attempts)).Round(time.Millisecond), cfg.MinConnectionDelay, cfg.MaxConnectionDelay)
	return nil
}

func measureWrites(out io.Writer, cfg *wire.SimulationConfig, writes int) {
	sim := wire.NewSimulator(cfg)
	lost := 0
	for i := 0; i < writes; i++ {
		if !sim.Deliver() {
			lost++
		}
	}
	if writes == 0 {
		return
	}
	fmt.Fprintf(out, "  writes %d, lost after %d retries %d (%.4f%%)\n",
		writes, cfg.MaxRetries, lost, 100*float64(lost)/float64(writes))
}

func measureRSSI(out io.Writer, cfg *wire.SimulationConfig) {
	sim := wire.NewSimulator(cfg)
	for _, distance := range []float64{1, 2, 5, 10} {
		lo, hi, sum := 0, -200, 0
		const samples = 10
		for i := 0; i < samples; i++ {
			rssi := sim.GenerateRSSI(distance)
			lo, hi, sum = min(lo, rssi), max(hi, rssi), sum+rssi
		}
		fmt.Fprintf(out, "  %4.1fm: %d dBm (range %d to %d)\n", distance, sum/samples, lo, hi)
	}
}

func measureMTU(out io.Writer, cfg *wire.SimulationConfig) {
	sim := wire.NewSimulator(cfg)
	for _, proposed := range [][2]int{{23, 512}, {185, 247}, {512, 512}} {
		mtu := sim.NegotiatedMTU(proposed[0], proposed[1])
		chunk := frame.MaxChunkSize(mtu)
		fmt.Fprintf(out, "  %d/%d -> mtu %d, %d bytes per frame", proposed[0], proposed[1], mtu, chunk)
		if chunk > 0 {
			fmt.Fprintf(out, ", 5000-byte message in %d frames", (5000+chunk-1)/chunk)
		}
		fmt.Fprintln(out)
	}
}
