// Package dhcpprobe is a throwaway DHCP client for checking a server
// from the command line: broadcast a DISCOVER, print the first OFFER.
package dhcpprobe

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

const offerWait = 3 * time.Second

func Run(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	ifaceName := fs.String("iface", "eth0", "Interface to send on")
	macStr := fs.String("mac", "", "MAC address (defaults to interface MAC)")
	hostname := fs.String("hostname", "dhcpd-probe", "Hostname (option 12)")
	request := fs.String("request", "", "Requested IP (option 50, optional)")
	params := fs.String("params", "1,3,6,15,51,54", "Parameter request list (option 55)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	iface, err := net.InterfaceByName(*ifaceName)
	if err != nil {
		return fmt.Errorf("interface %s not found: %w", *ifaceName, err)
	}
	mac := iface.HardwareAddr
	if *macStr != "" {
		if mac, err = net.ParseMAC(*macStr); err != nil {
			return fmt.Errorf("invalid mac: %w", err)
		}
	}

	mods := []dhcpv4.Modifier{
		dhcpv4.WithOption(dhcpv4.OptHostName(*hostname)),
		dhcpv4.WithOption(dhcpv4.OptClientIdentifier(append([]byte{1}, mac...))),
	}
	if *request != "" {
		ip := net.ParseIP(*request)
		if ip == nil {
			return fmt.Errorf("invalid requested ip %q", *request)
		}
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(ip)))
	}
	if *params != "" {
		var codes []dhcpv4.OptionCode
		for _, p := range strings.Split(*params, ",") {
			if c, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
				codes = append(codes, dhcpv4.GenericOptionCode(c))
			}
		}
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptParameterRequestList(codes...)))
	}

	discover, err := dhcpv4.NewDiscovery(mac, mods...)
	if err != nil {
		return fmt.Errorf("build discover: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 68})
	if err != nil {
		return fmt.Errorf("listen on port 68: %w", err)
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: 67}
	if _, err := conn.WriteTo(discover.ToBytes(), dst); err != nil {
		return fmt.Errorf("send discover: %w", err)
	}
	fmt.Printf("Sent DISCOVER on %s (mac %s, xid 0x%x)\n", *ifaceName, mac, discover.TransactionID)

	buf := make([]byte, 1500)
	deadline := time.Now().Add(offerWait)
	for {
		conn.SetReadDeadline(deadline)
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("no offer within %s", offerWait)
		}
		reply, err := dhcpv4.FromBytes(buf[:n])
		if err != nil || reply.TransactionID != discover.TransactionID {
			continue
		}
		if reply.MessageType() != dhcpv4.MessageTypeOffer {
			continue
		}
		fmt.Printf("OFFER from %s: yiaddr=%s server=%s lease=%s\n",
			src.IP, reply.YourIPAddr, reply.ServerIdentifier(), reply.IPAddressLeaseTime(0))
		if mask := reply.SubnetMask(); mask != nil {
			fmt.Printf("  subnet mask: %s\n", net.IP(mask))
		}
		if gw := reply.Router(); len(gw) > 0 {
			fmt.Printf("  routers: %v\n", gw)
		}
		if dns := reply.DNS(); len(dns) > 0 {
			fmt.Printf("  dns: %v\n", dns)
		}
		return nil
	}
}
