package main

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dwongdev/defguard/api"
)

var (
	networksCmd = &cobra.Command{
		Use:   "networks",
		Short: "Inspect networks in a snapshot",
	}

	networksLsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.New("ls command takes no arguments")
			}
			quiet, err := cmd.Flags().GetBool("quiet")
			if err != nil {
				return err
			}
			snapshot, err := flagSnapshot(cmd)
			if err != nil {
				return err
			}

			sort.Sort(networkSorter(snapshot.Networks))
			if quiet {
				for _, n := range snapshot.Networks {
					fmt.Println(n.ID)
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer func() {
				// Ignore flushing errors - there's nothing we can do.
				_ = w.Flush()
			}()
			fmt.Fprintln(w, "ID\tName\tBlocks\tEndpoint\tCreated")
			for _, n := range snapshot.Networks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%s\n",
					n.ID,
					n.Spec.Annotations.Name,
					joinPrefixes(n.Spec.Blocks),
					n.Spec.Endpoint,
					n.Spec.Port,
					humanize.Time(n.Meta.CreatedAt),
				)
			}
			return nil
		},
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "Inspect devices in a snapshot",
	}

	devicesLsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.New("ls command takes no arguments")
			}
			quiet, err := cmd.Flags().GetBool("quiet")
			if err != nil {
				return err
			}
			snapshot, err := flagSnapshot(cmd)
			if err != nil {
				return err
			}

			sort.Sort(deviceSorter(snapshot.Devices))
			if quiet {
				for _, d := range snapshot.Devices {
					fmt.Println(d.ID)
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer func() {
				// Ignore flushing errors - there's nothing we can do.
				_ = w.Flush()
			}()
			fmt.Fprintln(w, "ID\tName\tType\tOwner\tConfigured\tCreated")
			for _, d := range snapshot.Devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					d.ID,
					d.Spec.Annotations.Name,
					d.Spec.Type,
					d.Spec.OwnerID,
					d.Configured,
					humanize.Time(d.Meta.CreatedAt),
				)
			}
			return nil
		},
	}

	linksCmd = &cobra.Command{
		Use:   "links",
		Short: "Inspect network membership links in a snapshot",
	}

	linksLsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List membership links",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.New("ls command takes no arguments")
			}
			quiet, err := cmd.Flags().GetBool("quiet")
			if err != nil {
				return err
			}
			snapshot, err := flagSnapshot(cmd)
			if err != nil {
				return err
			}

			sort.Sort(linkSorter(snapshot.Links))
			if quiet {
				for _, l := range snapshot.Links {
					fmt.Println(l.ID)
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer func() {
				// Ignore flushing errors - there's nothing we can do.
				_ = w.Flush()
			}()
			fmt.Fprintln(w, "ID\tNetwork\tDevice\tAddresses\tPSK\tCreated")
			for _, l := range snapshot.Links {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					l.ID,
					l.NetworkID,
					l.DeviceID,
					joinAddrs(l.Addresses),
					l.PresharedKey != "",
					humanize.Time(l.Meta.CreatedAt),
				)
			}
			return nil
		},
	}
)

func init() {
	networksLsCmd.Flags().BoolP("quiet", "q", false, "Only display network IDs")
	devicesLsCmd.Flags().BoolP("quiet", "q", false, "Only display device IDs")
	linksLsCmd.Flags().BoolP("quiet", "q", false, "Only display link IDs")

	networksCmd.AddCommand(networksLsCmd)
	devicesCmd.AddCommand(devicesLsCmd)
	linksCmd.AddCommand(linksLsCmd)
}

// Newest first, matching the order an operator scans a listing in.
type networkSorter []*api.Network

func (s networkSorter) Len() int      { return len(s) }
func (s networkSorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s networkSorter) Less(i, j int) bool {
	return s[j].Meta.CreatedAt.Before(s[i].Meta.CreatedAt)
}

type deviceSorter []*api.Device

func (s deviceSorter) Len() int      { return len(s) }
func (s deviceSorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s deviceSorter) Less(i, j int) bool {
	return s[j].Meta.CreatedAt.Before(s[i].Meta.CreatedAt)
}

type linkSorter []*api.NetworkDeviceLink

func (s linkSorter) Len() int      { return len(s) }
func (s linkSorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s linkSorter) Less(i, j int) bool {
	if s[i].NetworkID != s[j].NetworkID {
		return s[i].NetworkID < s[j].NetworkID
	}
	return s[i].DeviceID < s[j].DeviceID
}

func joinPrefixes(prefixes []netip.Prefix) string {
	parts := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, ", ")
}

func joinAddrs(addrs []netip.Addr) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}
