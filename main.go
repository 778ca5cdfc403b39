package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/dhcpd/cmd"
)

// Version is stamped by the build.
var Version = "dev"

const defaultConfig = "/etc/dhcpd/dhcpd.hcl"

func main() {
	args := os.Args[1:]

	if len(args) > 0 {
		switch args[0] {
		case "check":
			fs := flag.NewFlagSet("check", flag.ExitOnError)
			configFile := fs.String("config", defaultConfig, "Configuration file")
			verbose := fs.Bool("verbose", false, "Print the resolved configuration")
			fs.Parse(args[1:])
			exitOn(cmd.RunCheck(*configFile, *verbose))
			return
		case "probe":
			exitOn(cmd.RunProbe(args[1:]))
			return
		}
	}

	fs := flag.NewFlagSet("dhcpd", flag.ExitOnError)
	fs.Usage = func() { printUsage(fs) }
	configFile := fs.String("config", defaultConfig, "Configuration file (.hcl, .json or .yaml)")
	daemon := fs.Bool("daemon", false, "Detach and run in the background")
	pidFile := fs.String("pid-file", "", "Write the daemon PID to this file")
	logFile := fs.String("log-file", "", "Append logs to this file instead of stderr")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	version := fs.Bool("version", false, "Print the version and exit")
	fs.Parse(args)

	if *version {
		fmt.Printf("dhcpd %s\n", Version)
		return
	}

	exitOn(cmd.RunServe(cmd.ServeOptions{
		ConfigFile: *configFile,
		Daemon:     *daemon,
		PIDFile:    *pidFile,
		LogFile:    *logFile,
		Verbose:    *verbose,
	}))
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `dhcpd - DHCPv4 server

Usage:
  dhcpd [flags]            run the server
  dhcpd check [flags]      validate a configuration file
  dhcpd probe [flags]      send a test DISCOVER and print the OFFER

Flags:
`)
	fs.PrintDefaults()
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "dhcpd: %v\n", err)
		os.Exit(1)
	}
}
