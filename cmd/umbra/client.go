package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/ssd-technologies/umbra/internal/catalog"
	"github.com/ssd-technologies/umbra/internal/control"
	"github.com/ssd-technologies/umbra/internal/registry"
	"github.com/ssd-technologies/umbra/internal/wire"
)

func apiClient(cctx *cli.Context) *control.Client {
	return control.NewClient(cctx.String("api"))
}

func requireArgs(cctx *cli.Context, n int) error {
	if cctx.NArg() != n {
		return fmt.Errorf("%s: expected %d argument(s), usage: %s %s", cctx.Command.Name, n, cctx.Command.Name, cctx.Command.ArgsUsage)
	}
	return nil
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

var idCmd = &cli.Command{
	Name:  "id",
	Usage: "print the node's service address",
	Action: func(cctx *cli.Context) error {
		id, err := apiClient(cctx).Identity(cctx.Context)
		if err != nil {
			return err
		}
		fmt.Println(id.Address)
		return nil
	},
}

// --- Shares ---

var shareCmd = &cli.Command{
	Name:  "share",
	Usage: "manage shared files",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "add a file to the catalog (inactive until switched on)",
			ArgsUsage: "<path>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "on", Usage: "activate right away"},
			},
			Action: func(cctx *cli.Context) error {
				if err := requireArgs(cctx, 1); err != nil {
					return err
				}
				path, err := filepath.Abs(cctx.Args().First())
				if err != nil {
					return err
				}
				c := apiClient(cctx)
				f, err := c.AddShare(cctx.Context, path)
				if err != nil {
					return err
				}
				if cctx.Bool("on") {
					if f, err = c.SetActive(cctx.Context, f.ID, true); err != nil {
						return err
					}
				}
				printShare(f)
				return nil
			},
		},
		{
			Name:  "ls",
			Usage: "list shared files",
			Action: func(cctx *cli.Context) error {
				files, err := apiClient(cctx).Shares(cctx.Context)
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "ID\tNAME\tSIZE\tACTIVE\tADVERTISE\tDOWNLOADS\tADDED")
				for _, f := range files {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
						f.ID, f.Name, humanize.Bytes(uint64(f.Size)), onOff(f.Active), onOff(f.Advertise),
						f.Downloads, humanize.Time(f.AddedAt))
				}
				return w.Flush()
			},
		},
		shareSwitch("on", "activate a shared file", true),
		shareSwitch("off", "deactivate a shared file", false),
		{
			Name:      "advertise",
			Usage:     "include or hide a file in advertisements",
			ArgsUsage: "<id> <on|off>",
			Action: func(cctx *cli.Context) error {
				if err := requireArgs(cctx, 2); err != nil {
					return err
				}
				on, err := parseOnOff(cctx.Args().Get(1))
				if err != nil {
					return err
				}
				f, err := apiClient(cctx).SetAdvertise(cctx.Context, cctx.Args().First(), on)
				if err != nil {
					return err
				}
				printShare(f)
				return nil
			},
		},
		{
			Name:      "rm",
			Usage:     "remove a file from the catalog",
			ArgsUsage: "<id>",
			Action: func(cctx *cli.Context) error {
				if err := requireArgs(cctx, 1); err != nil {
					return err
				}
				return apiClient(cctx).RemoveShare(cctx.Context, cctx.Args().First())
			},
		},
		{
			Name:      "link",
			Usage:     "print the download link of a file",
			ArgsUsage: "<id>",
			Action: func(cctx *cli.Context) error {
				if err := requireArgs(cctx, 1); err != nil {
					return err
				}
				l, err := apiClient(cctx).ShareLink(cctx.Context, cctx.Args().First())
				if err != nil {
					return err
				}
				fmt.Println(l)
				return nil
			},
		},
	},
}

func shareSwitch(name, usage string, active bool) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<id>",
		Action: func(cctx *cli.Context) error {
			if err := requireArgs(cctx, 1); err != nil {
				return err
			}
			f, err := apiClient(cctx).SetActive(cctx.Context, cctx.Args().First(), active)
			if err != nil {
				return err
			}
			printShare(f)
			return nil
		},
	}
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func printShare(f catalog.File) {
	fmt.Printf("%s  %s  %s  active=%s advertise=%s\n",
		f.ID, f.Name, humanize.Bytes(uint64(f.Size)), onOff(f.Active), onOff(f.Advertise))
}

var advertisingCmd = &cli.Command{
	Name:      "advertising",
	Usage:     "show or switch answering explore requests",
	ArgsUsage: "[on|off]",
	Action: func(cctx *cli.Context) error {
		c := apiClient(cctx)
		if cctx.NArg() == 0 {
			on, err := c.Advertising(cctx.Context)
			if err != nil {
				return err
			}
			fmt.Println(onOff(on))
			return nil
		}
		on, err := parseOnOff(cctx.Args().First())
		if err != nil {
			return err
		}
		return c.SetAdvertising(cctx.Context, on)
	},
}

// --- Downloads ---

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "download a file by link",
	ArgsUsage: "<address::name>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "wait", Aliases: []string{"w"}, Usage: "follow progress until the download finishes"},
	},
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		c := apiClient(cctx)
		d, err := c.Submit(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", d.ID, d.Link)
		if !cctx.Bool("wait") {
			return nil
		}
		for !registry.State(d.State).Terminal() {
			select {
			case <-cctx.Context.Done():
				return cctx.Context.Err()
			case <-time.After(500 * time.Millisecond):
			}
			if d, err = c.Download(cctx.Context, d.ID); err != nil {
				return err
			}
			fmt.Printf("\r%-12s %5.1f%%  %s / %s   ", d.State, d.Progress*100,
				humanize.Bytes(min(d.Received*chunkOf(d), d.Size)), humanize.Bytes(d.Size))
		}
		fmt.Println()
		if d.State != string(registry.StateCompleted) {
			return fmt.Errorf("download %s: %s", d.State, d.Reason)
		}
		fmt.Println(d.Path)
		return nil
	},
}

// chunkOf estimates the chunk size from the announced size and count.
func chunkOf(d control.Download) uint64 {
	if d.ChunkCount == 0 {
		return 0
	}
	return (d.Size + d.ChunkCount - 1) / d.ChunkCount
}

var downloadsCmd = &cli.Command{
	Name:  "downloads",
	Usage: "list downloads",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "since", Usage: "all, today or session", Value: "all"},
	},
	Action: func(cctx *cli.Context) error {
		list, err := apiClient(cctx).Downloads(cctx.Context, cctx.String("since"))
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintln(w, "ID\tLINK\tSTATE\tPROGRESS\tSIZE\tSTARTED")
		for _, d := range list {
			state := d.State
			if d.Reason != "" {
				state += " (" + d.Reason + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
				d.ID, d.Link, state, d.Progress*100, humanize.Bytes(d.Size), humanize.Time(d.CreatedAt))
		}
		return w.Flush()
	},
}

var cancelCmd = &cli.Command{
	Name:      "cancel",
	Usage:     "cancel a download or explore request",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		return apiClient(cctx).Cancel(cctx.Context, cctx.Args().First())
	},
}

var rmCmd = &cli.Command{
	Name:      "rm",
	Usage:     "forget a finished download",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		return apiClient(cctx).RemoveDownload(cctx.Context, cctx.Args().First())
	},
}

// --- Explore ---

var exploreCmd = &cli.Command{
	Name:      "explore",
	Usage:     "fetch the advertised catalog of a peer",
	ArgsUsage: "<address>",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "timeout", Usage: "how long to wait for the listing", Value: 2 * time.Minute},
	},
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 1); err != nil {
			return err
		}
		c := apiClient(cctx)
		x, err := c.Explore(cctx.Context, cctx.Args().First())
		if err != nil {
			return err
		}
		deadline := time.After(cctx.Duration("timeout"))
		for !x.State.Terminal() {
			select {
			case <-cctx.Context.Done():
				return cctx.Context.Err()
			case <-deadline:
				return fmt.Errorf("explore %s still %s", x.ID, x.State)
			case <-time.After(250 * time.Millisecond):
			}
			if x, err = c.GetExplore(cctx.Context, x.ID); err != nil {
				return err
			}
		}
		if x.State != registry.StateCompleted {
			return fmt.Errorf("explore %s: %s", x.State, x.Reason)
		}
		fmt.Printf("explore %s: %d files\n", x.ID, len(x.Entries))
		if x.Truncated {
			fmt.Println("listing truncated by the peer")
		}
		return printEntries(x.Address, x.Entries)
	},
}

var searchCmd = &cli.Command{
	Name:      "search",
	Usage:     "search the listing of an explore request",
	ArgsUsage: "<explore-id> <query>",
	Action: func(cctx *cli.Context) error {
		if err := requireArgs(cctx, 2); err != nil {
			return err
		}
		c := apiClient(cctx)
		id := cctx.Args().First()
		x, err := c.GetExplore(cctx.Context, id)
		if err != nil {
			return err
		}
		hits, err := c.Search(cctx.Context, id, cctx.Args().Get(1))
		if err != nil {
			return err
		}
		return printEntries(x.Address, hits)
	},
}

func printEntries(address string, entries []wire.Entry) error {
	w := table()
	fmt.Fprintln(w, "SIZE\tLINK")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s::%s\n", humanize.Bytes(e.Size), address, e.Name)
	}
	return w.Flush()
}
