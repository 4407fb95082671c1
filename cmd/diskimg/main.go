// Command diskimg builds a flat disk image file compatible with
// kernel/disk's block layout: a sequence of fixed-size 512-byte blocks,
// optionally preloaded from a directory of files named by their numeric
// block id. It is a hosted build-time tool, outside the freestanding
// kernel boundary, the same way the teaching stack's own build tooling
// runs under the host Go toolchain rather than on the target.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
)

const blockSize = 512

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[diskimg] error: %s\n", err.Error())
	os.Exit(1)
}

func main() {
	outPath := flag.String("out", "disk.img", "path to the disk image file to create")
	blocks := flag.Uint("blocks", 16384, "number of 512-byte blocks in the image")
	seedDir := flag.String("seed", "", "optional directory of files named by numeric block id to preload into the image")
	flag.Parse()

	if *blocks == 0 {
		exit(errors.New("-blocks must be greater than zero"))
	}

	f, err := os.Create(*outPath)
	if err != nil {
		exit(err)
	}
	defer f.Close()

	if err := f.Truncate(int64(*blocks) * blockSize); err != nil {
		exit(err)
	}

	if *seedDir != "" {
		if err := seedImage(f, *seedDir, *blocks); err != nil {
			exit(err)
		}
	}

	fmt.Printf("wrote %s: %d blocks (%d bytes)\n", *outPath, *blocks, int64(*blocks)*blockSize)
}

func seedImage(f *os.File, dir string, blocks uint) error {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		if id >= uint64(blocks) {
			return fmt.Errorf("%s: block id is out of range for a %d-block image", entry.Name(), blocks)
		}

		data, err := ioutil.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if len(data) > blockSize {
			return fmt.Errorf("%s: file exceeds block size (%d > %d)", entry.Name(), len(data), blockSize)
		}

		if _, err := f.WriteAt(data, int64(id)*blockSize); err != nil {
			return err
		}
	}

	return nil
}
