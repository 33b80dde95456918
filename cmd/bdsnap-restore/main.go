// bdsnap-restore is a thin, informative CLI over the snapblock journal
// format (spec.md §6: "fully specified by the file format"). It is built
// on the same internal/snapblock reader the engine uses for Contains, so
// the on-disk format has exactly one implementation in this repo.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"os"

	"github.com/StefanoBelli/blkdev-snapshot/internal/restore"
	"github.com/golang/glog"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "bdsnap-restore"
	app.Usage = "inspect and restore blocks from a snapblocks journal"
	app.Version = "0.1.0"

	app.Commands = []cli.Command{
		{
			Name:      "list",
			Usage:     "list the block numbers captured in a snapblocks journal",
			ArgsUsage: "SNAPBLOCKS_FILE",
			Action:    actionList,
		},
		{
			Name:      "extract",
			Usage:     "write the earliest capture of BLOCKNR to OUT",
			ArgsUsage: "SNAPBLOCKS_FILE BLOCKNR OUT",
			Action:    actionExtract,
		},
		{
			Name:      "replay",
			Usage:     "rebuild a full device image from a snapblocks journal onto OUT",
			ArgsUsage: "SNAPBLOCKS_FILE OUT",
			Flags: []cli.Flag{
				cli.Uint64Flag{Name: "block-size", Value: 4096, Usage: "bytes per block, for sizing OUT"},
			},
			Action: actionReplay,
		},
	}

	if err := app.Run(os.Args); err != nil {
		glog.Errorf("bdsnap-restore: %v", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func actionList(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: bdsnap-restore list SNAPBLOCKS_FILE", 1)
	}
	records, err := restore.ListRecords(c.Args().Get(0))
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("blknr=%d payload_kind=%d payload_size=%d\n", r.BlockNr, r.PayloadKind, r.PayloadSize)
	}
	return nil
}

func actionExtract(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.NewExitError("usage: bdsnap-restore extract SNAPBLOCKS_FILE BLOCKNR OUT", 1)
	}
	var blknr uint64
	if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &blknr); err != nil {
		return cli.NewExitError("BLOCKNR must be a non-negative integer", 1)
	}
	return restore.ExtractBlock(c.Args().Get(0), blknr, c.Args().Get(2))
}

func actionReplay(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("usage: bdsnap-restore replay SNAPBLOCKS_FILE OUT", 1)
	}
	return restore.Replay(c.Args().Get(0), c.Args().Get(1), c.Uint64("block-size"))
}
