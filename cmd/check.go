package cmd

import (
	"fmt"

	"grimm.is/dhcpd/internal/config"
)

// RunCheck validates a configuration file without starting the
// daemon. Exit code communicates the verdict.
func RunCheck(configFile string, verbose bool) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	subnets, err := cfg.BuildSubnets()
	if err != nil {
		return err
	}
	if _, err := cfg.BuildReservations(); err != nil {
		return err
	}

	fmt.Printf("%s: OK\n", configFile)
	if verbose {
		fmt.Printf("  listeners: %v\n", cfg.Server.ListenAddresses)
		fmt.Printf("  conflict strategy: %s\n", cfg.Server.ConflictStrategy)
		for _, sub := range subnets {
			fmt.Printf("  subnet %s: %s/%d range %s..%s pool %d\n",
				sub.Name, sub.Network, sub.Prefix, sub.RangeStart, sub.RangeEnd, sub.PoolSize())
		}
		if cfg.Security != nil {
			fmt.Printf("  security: enabled=%v\n", cfg.Server.SecurityEnabled())
		}
	}
	return nil
}
