package cmd

import "grimm.is/dhcpd/internal/toolbox/dhcpprobe"

// RunProbe sends a test DISCOVER and prints the first OFFER.
func RunProbe(args []string) error {
	return dhcpprobe.Run(args)
}
