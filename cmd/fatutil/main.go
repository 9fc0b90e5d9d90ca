// Command fatutil is a small diagnostic tool for poking at FAT12/16/32
// image files: list a directory, dump a file to stdout, and report free
// space. It exists to exercise the gofat library end to end, not as a
// general-purpose disk utility.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pfcgroot/gofat/blockdev"
	"github.com/pfcgroot/gofat/fat"
)

func main() {
	app := cli.App{
		Usage: "Inspect FAT12/16/32 partition images",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "partition",
				Value: -1,
				Usage: "MBR partition index (0-3) to mount; by default IMAGE_FILE is treated as a single unpartitioned volume",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List a directory's entries",
				ArgsUsage: "IMAGE_FILE PATH",
				Action:    lsCommand,
			},
			{
				Name:      "cat",
				Usage:     "Dump a file's contents to stdout",
				ArgsUsage: "IMAGE_FILE PATH",
				Action:    catCommand,
			},
			{
				Name:      "statfs",
				Usage:     "Report free space and volume label",
				ArgsUsage: "IMAGE_FILE",
				Action:    statfsCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err)
	}
}

func openImage(context *cli.Context) (*fat.Driver, error) {
	path := context.Args().Get(0)
	if path == "" {
		return nil, fmt.Errorf("missing IMAGE_FILE argument")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	device := blockdev.NewMemory(path, data)
	if idx := context.Int("partition"); idx >= 0 {
		return fat.MountPartition(device, idx, nil, fat.MaxOpenFiles+1, fat.MaxOpenFiles)
	}
	return fat.Mount(device, nil, fat.MaxOpenFiles+1, fat.MaxOpenFiles, 0)
}

func lsCommand(context *cli.Context) error {
	driver, err := openImage(context)
	if err != nil {
		return err
	}
	defer driver.Unmount()

	path := context.Args().Get(1)
	if path == "" {
		path = `\`
	}
	entries, err := driver.ListDirectory(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		marker := " "
		if entry.Attr&fat.AttrDirectory != 0 {
			marker = "d"
		}
		fmt.Printf("%s %8d  %s\n", marker, entry.Size, fat.FormatShortName(entry.ShortName, entry.ShortExt))
	}
	return nil
}

func catCommand(context *cli.Context) error {
	driver, err := openImage(context)
	if err != nil {
		return err
	}
	defer driver.Unmount()

	path := context.Args().Get(1)
	if path == "" {
		return fmt.Errorf("missing PATH argument")
	}
	f, err := driver.OpenFile(path, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(os.Stdout, f)
	return err
}

func statfsCommand(context *cli.Context) error {
	driver, err := openImage(context)
	if err != nil {
		return err
	}
	defer driver.Unmount()

	free, err := driver.FreeClusters()
	if err != nil {
		return err
	}
	label, err := driver.VolumeLabel()
	if err != nil {
		return err
	}
	g := driver.Geometry()
	fmt.Printf("FAT%-2d  volume %q\n", g.Width, label)
	fmt.Printf("bytes per cluster: %d\n", g.BytesPerCluster)
	fmt.Printf("free clusters:     %d (%d bytes)\n", free, uint64(free)*uint64(g.BytesPerCluster))
	return nil
}
