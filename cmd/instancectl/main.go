//go:build unix

// Command instancectl is a debug utility for inspecting a running
// instance's arena and probing its stub's liveness from outside the
// host process.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srediag/instance-shm/pkg/arena"
	"github.com/srediag/instance-shm/pkg/rendezvous"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "instancectl",
		Short:         "Inspect a running instance's arena and stub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildArenaCmd(), buildHealthCmd())
	return root
}

func buildArenaCmd() *cobra.Command {
	arenaCmd := &cobra.Command{
		Use:   "arena",
		Short: "Inspect an arena's shared-memory header",
	}
	arenaCmd.AddCommand(buildArenaInspectCmd())
	return arenaCmd
}

func buildArenaInspectCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print an arena's capacity, watermark, and generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("instancectl: --name is required")
			}
			a, err := arena.Open(arena.Options{Name: name, Create: false})
			if err != nil {
				return fmt.Errorf("instancectl: open arena %q: %w", name, err)
			}
			defer a.Close(false)

			fmt.Printf("arena:      %s\n", name)
			fmt.Printf("capacity:   %d bytes\n", a.Capacity())
			fmt.Printf("watermark:  %d bytes\n", a.Watermark())
			fmt.Printf("generation: %d\n", a.Generation())

			base := a.Base()
			rv := rendezvous.New(base[arena.HeaderSize : arena.HeaderSize+rendezvous.BlockSize])
			fmt.Printf("stub_alive: %t\n", rv.IsStubAlive())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "arena name, e.g. /my_model_gpu_0")
	return cmd
}

func buildHealthCmd() *cobra.Command {
	var name string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Poll an arena's rendezvous health flag, printing each change, until the timeout elapses",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("instancectl: --name is required")
			}
			a, err := arena.Open(arena.Options{Name: name, Create: false})
			if err != nil {
				return fmt.Errorf("instancectl: open arena %q: %w", name, err)
			}
			defer a.Close(false)

			base := a.Base()
			rv := rendezvous.New(base[arena.HeaderSize : arena.HeaderSize+rendezvous.BlockSize])
			deadline := time.Now().Add(timeout)
			last := rv.IsStubAlive()
			fmt.Printf("stub_alive: %t\n", last)
			for time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
				if alive := rv.IsStubAlive(); alive != last {
					last = alive
					fmt.Printf("stub_alive: %t\n", last)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "arena name, e.g. /my_model_gpu_0")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to poll before exiting")
	return cmd
}
