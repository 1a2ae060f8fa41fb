package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/subsim/halbridge/internal/bridge"
	"github.com/subsim/halbridge/internal/config"
	"github.com/subsim/halbridge/internal/motor"
	"github.com/subsim/halbridge/internal/physics"
	"github.com/subsim/halbridge/internal/transport"
	"github.com/subsim/halbridge/internal/warn"
	"github.com/subsim/halbridge/internal/wire"
)

var (
	configFile    string
	wsURL         string
	debug         bool
	retryInterval time.Duration
	maxAttempts   int
	diagTime      time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "halbridge",
		Short: "physics simulation bridge for robot code over the HAL websocket",
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&wsURL, "url", "ws://localhost:3300/wpilibws", "simulation websocket endpoint")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the bridge",
		RunE:  runBridge,
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "robot.yaml", "mechanism description file")
	runCmd.Flags().DurationVar(&retryInterval, "retry-interval", 5*time.Second, "delay between connect attempts")
	runCmd.Flags().IntVar(&maxAttempts, "max-attempts", 60, "connect attempt budget")

	validateCmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "check a mechanism description without connecting",
		Args:  cobra.ExactArgs(1),
		RunE:  validateConfig,
	}

	archetypesCmd := &cobra.Command{
		Use:   "archetypes",
		Short: "list known motor archetypes and derived constants",
		RunE:  listArchetypes,
	}

	diagCmd := &cobra.Command{
		Use:   "diag",
		Short: "connect and summarize wire traffic without simulating",
		RunE:  runDiag,
	}
	diagCmd.Flags().DurationVar(&diagTime, "time", 10*time.Second, "capture duration")

	rootCmd.AddCommand(runCmd, validateCmd, archetypesCmd, diagCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zap.NewDevelopmentConfig().EncoderConfig.EncodeTime
	return cfg.Build()
}

func runBridge(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	mech, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log.Sugar().Infow("loaded mechanism", "config", configFile, "mechanism", mech.String())

	eng := physics.NewRigFor(mech)
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := transport.Dial(ctx, wsURL, transport.Options{
		RetryInterval: retryInterval,
		MaxAttempts:   maxAttempts,
	}, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	mon := warn.NewMonitor(log, 100, time.Second)
	b, err := bridge.New(mech, eng, conn, mon, log, bridge.Options{})
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	mech, err := config.Load(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "mechanism:\t%s\n\n", mech.Name)
	fmt.Fprintln(w, "JOINT\tKIND\tLIMITS\tEFFORT\tVELOCITY")
	for _, j := range mech.Joints {
		limits := "-"
		if j.Limits != nil {
			limits = fmt.Sprintf("[%.3f, %.3f]", j.Limits.Lower, j.Limits.Upper)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%.1f\n", j.Name, j.Kind, limits, j.EffortLimit, j.VelocityLimit)
	}
	fmt.Fprintln(w, "\nMOTOR\tTYPE\tJOINT\tFAMILY\tADDR\tRATIO")
	for _, m := range mech.Motors {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.1f\n", m.Name, m.Archetype, m.Joint, m.Family, m.Address, m.GearRatio)
	}
	fmt.Fprintln(w, "\nSENSOR\tJOINT\tADDR\tTICKS/REV")
	for _, s := range mech.Sensors {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.Name, s.Joint, s.Address(), s.TicksPerRev)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Println("\nok")
	return nil
}

func listArchetypes(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFREE RPM\tSTALL Nm\tSTALL A\tKv rad/s/V\tKt Nm/A\tR ohm")
	for _, name := range motor.Known() {
		m, err := motor.New(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%.0f\t%.2f\t%.0f\t%.2f\t%.4f\t%.4f\n",
			m.Name, m.Spec.FreeSpeedRPM, m.Spec.StallTorque, m.Spec.StallCurrent, m.Kv, m.Kt, m.R)
	}
	return w.Flush()
}

// runDiag is a traffic census: it connects, counts frames by type, device
// and data field for a while, then prints what the robot code is actually
// sending. Useful when a mechanism config addresses nothing.
func runDiag(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := transport.Dial(ctx, wsURL, transport.Options{
		RetryInterval: time.Second,
		MaxAttempts:   10,
	}, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	types := make(map[string]int)
	devices := make(map[string]int)
	fields := make(map[string]int)
	total := 0

	deadline := time.NewTimer(diagTime)
	defer deadline.Stop()
	fmt.Printf("capturing for %s...\n", diagTime)

capture:
	for {
		select {
		case <-ctx.Done():
			break capture
		case <-deadline.C:
			break capture
		case err := <-conn.Err():
			fmt.Printf("connection lost: %v\n", err)
			break capture
		default:
		}
		raw, ok := conn.TryRecv()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		total++
		var msg wire.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		types[msg.Type]++
		devices[msg.Type+" / "+msg.Device]++
		for k := range msg.Data {
			fields[msg.Type+" "+k]++
		}
	}

	fmt.Printf("\n%d frames\n\n", total)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	printCounts(w, "TYPE", types)
	printCounts(w, "DEVICE", devices)
	printCounts(w, "FIELD", fields)
	return w.Flush()
}

func printCounts(w *tabwriter.Writer, header string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s\tCOUNT\n", header)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, counts[k])
	}
	fmt.Fprintln(w)
}
